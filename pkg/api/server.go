package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/frkn-dev/pony/pkg/bus"
	"github.com/frkn-dev/pony/pkg/cache"
	"github.com/frkn-dev/pony/pkg/config"
	"github.com/frkn-dev/pony/pkg/log"
	"github.com/frkn-dev/pony/pkg/metrics"
	"github.com/frkn-dev/pony/pkg/store"
	"github.com/frkn-dev/pony/pkg/syncer"
	"github.com/frkn-dev/pony/pkg/types"
)

const (
	sweepInterval  = 30 * time.Second
	offlineTimeout = 90 * time.Second
)

// Server is the control-plane process: HTTP surface, bus consumers for
// agent heartbeats and stat deltas, and the offline sweep.
type Server struct {
	cfg    *config.API
	cache  *cache.Cache
	store  *store.Store
	sync   *syncer.Syncer
	pub    *bus.Publisher
	sub    *bus.Subscriber
	http   *http.Server
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg *config.API, c *cache.Cache, st *store.Store, sy *syncer.Syncer, pub *bus.Publisher, sub *bus.Subscriber) *Server {
	s := &Server{
		cfg:    cfg,
		cache:  c,
		store:  st,
		sync:   sy,
		pub:    pub,
		sub:    sub,
		logger: log.WithComponent("api"),
		stopCh: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(countRequests)

	r.Get("/healthcheck", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/user/stat", s.handleUserStat)
	r.Post("/user", s.handleCreateUser)
	r.Delete("/user/{id}", s.handleDeleteUser)

	r.Post("/connection", s.handleCreateConnection)
	r.Delete("/connection/{id}", s.handleDeleteConnection)
	r.Post("/connection/{id}/reset_stat", s.handleResetStat)
	r.Get("/connection/{id}", s.handleGetConnection)

	r.Post("/node", s.handleRegisterNode)
	r.Get("/nodes", s.handleListNodes)

	r.Post("/subscription", s.handleUpsertSubscription)

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Bootstrap applies the schema and rebuilds the cache from Postgres.
// Tombstones load too; the state machine needs them for revive checks.
func (s *Server) Bootstrap(ctx context.Context) error {
	if err := s.store.EnsureSchema(ctx); err != nil {
		return err
	}
	fleet, err := s.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, n := range fleet.Nodes {
		s.cache.PutNode(n)
	}
	for _, u := range fleet.Users {
		s.cache.PutUser(u, true)
	}
	for _, sub := range fleet.Subscriptions {
		s.cache.PutSubscription(sub, true)
	}
	for _, c := range fleet.Connections {
		s.cache.PutConnection(c, true)
	}
	nodes, conns, users, subs := s.cache.Counts()
	s.updateEntityGauges()
	s.logger.Info().
		Int("nodes", nodes).
		Int("connections", conns).
		Int("users", users).
		Int("subscriptions", subs).
		Msg("cache rebuilt from store")
	return nil
}

func (s *Server) updateEntityGauges() {
	nodes, conns, users, subs := s.cache.Counts()
	metrics.CacheEntities.WithLabelValues("nodes").Set(float64(nodes))
	metrics.CacheEntities.WithLabelValues("connections").Set(float64(conns))
	metrics.CacheEntities.WithLabelValues("users").Set(float64(users))
	metrics.CacheEntities.WithLabelValues("subscriptions").Set(float64(subs))
}

// Start launches the bus consumer and the offline sweep, then serves
// HTTP until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.wg.Add(2)
	go s.consumeLoop(ctx)
	go s.sweepLoop()

	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	err := s.http.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) consumeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case d, ok := <-s.sub.Deliveries():
			if !ok {
				return
			}
			switch d.Topic {
			case bus.TopicHeartbeat:
				s.consumeHeartbeat(ctx, d.Payload)
			case bus.TopicStats:
				s.consumeStatDelta(ctx, d.Payload)
			}
		case <-s.stopCh:
			return
		}
	}
}

// consumeHeartbeat bumps node liveness. The first heartbeat after boot or
// an offline period triggers a snapshot publish on the node's own topic
// so the agent resyncs.
func (s *Server) consumeHeartbeat(ctx context.Context, payload []byte) {
	var hb types.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed heartbeat")
		return
	}
	op := s.cache.TouchNode(hb.NodeID, hb.SentAt)
	switch op.Code {
	case types.OpNotFound:
		s.logger.Warn().Str("node_id", hb.NodeID.String()).Msg("heartbeat from unregistered node")
	case types.OpUpdated:
		s.persistNodeStatus(ctx, hb.NodeID, types.NodeStatusOnline, hb.SentAt)
		s.publishSnapshot(ctx, hb.NodeID)
	}
}

func (s *Server) consumeStatDelta(ctx context.Context, payload []byte) {
	var delta types.StatDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed stat delta")
		return
	}
	slot, err := s.sync.Reserve(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping stat delta, sync queue full")
		return
	}
	op := s.cache.SetConnStat(delta.ConnID, delta.Stat, delta.ModifiedAt)
	if !op.Mutated() {
		slot.Release()
		return
	}
	slot.Commit(syncer.Task{
		Op:   syncer.OpUpdateConnStat,
		ID:   delta.ConnID,
		Stat: delta.Stat,
		At:   delta.ModifiedAt,
	})
}

// publishSnapshot ships the node's slice of the cache on its own topic.
func (s *Server) publishSnapshot(ctx context.Context, nodeID uuid.UUID) {
	snap := s.cache.SnapshotForNode(nodeID)
	if snap == nil {
		return
	}
	frame, err := cache.EncodeSnapshot(snap)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding snapshot failed")
		return
	}
	if err := s.pub.Publish(ctx, nodeID.String(), frame); err != nil {
		s.logger.Warn().Err(err).Str("node_id", nodeID.String()).Msg("publishing snapshot failed")
		return
	}
	s.logger.Info().
		Str("node_id", nodeID.String()).
		Int("connections", len(snap.Connections)).
		Msg("snapshot published")
}

// sweepLoop flips nodes Offline once their heartbeats stop.
func (s *Server) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOffline()
			s.updateEntityGauges()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) sweepOffline() {
	now := time.Now().UTC()
	for _, n := range s.cache.Nodes() {
		if n.Status != types.NodeStatusOnline || n.LastHeartbeatAt.IsZero() {
			continue
		}
		if now.Sub(n.LastHeartbeatAt) <= offlineTimeout {
			continue
		}
		if op := s.cache.SetNodeStatus(n.UUID, types.NodeStatusOffline); op.Mutated() {
			s.logger.Warn().Str("node_id", n.UUID.String()).Msg("node went offline")
			s.persistNodeStatus(context.Background(), n.UUID, types.NodeStatusOffline, now)
		}
	}
}

// persistNodeStatus enqueues a status write-back. Best effort; a full
// queue only delays the next transition.
func (s *Server) persistNodeStatus(ctx context.Context, id uuid.UUID, status types.NodeStatus, at time.Time) {
	slot, err := s.sync.Reserve(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping node status write-back")
		return
	}
	slot.Commit(syncer.Task{
		Op:         syncer.OpUpdateNodeStatus,
		ID:         id,
		NodeStatus: status,
		At:         at,
	})
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}
