package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/frkn-dev/pony/pkg/bus"
	"github.com/frkn-dev/pony/pkg/cache"
	"github.com/frkn-dev/pony/pkg/config"
	"github.com/frkn-dev/pony/pkg/errdefs"
	"github.com/frkn-dev/pony/pkg/log"
	"github.com/frkn-dev/pony/pkg/metrics"
	"github.com/frkn-dev/pony/pkg/tunnel"
	"github.com/frkn-dev/pony/pkg/types"
)

const (
	statsInterval     = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	driftInterval     = 60 * time.Second

	retryBase = 50 * time.Millisecond
	retryCap  = 5 * time.Second
	retryMax  = 5
)

// Agent reconciles the local tunnel engines against the node's slice of
// the fleet cache. Deltas arrive over the bus; periodic tasks pull stats,
// publish heartbeats and repair drift.
type Agent struct {
	cfg    *config.Agent
	nodeID uuid.UUID
	cache  *cache.Cache
	mux    *tunnel.Mux
	sub    *bus.Subscriber
	pub    *bus.Publisher
	state  *StateDB
	logger zerolog.Logger

	degraded atomic.Bool
	synced   atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func New(cfg *config.Agent, c *cache.Cache, mux *tunnel.Mux, sub *bus.Subscriber, pub *bus.Publisher, state *StateDB) (*Agent, error) {
	nodeID, err := uuid.Parse(cfg.NodeID)
	if err != nil {
		return nil, errdefs.Newf(errdefs.KindBadRequest, "node_id: %v", err)
	}
	return &Agent{
		cfg:    cfg,
		nodeID: nodeID,
		cache:  c,
		mux:    mux,
		sub:    sub,
		pub:    pub,
		state:  state,
		logger: log.WithNodeID(nodeID.String()),
		stopCh: make(chan struct{}),
	}, nil
}

// Start restores the persisted snapshot if one exists and launches the
// consume, stats, heartbeat and drift loops.
func (a *Agent) Start(ctx context.Context) {
	a.restore()

	a.wg.Add(4)
	go a.consumeLoop(ctx)
	go a.tick(ctx, statsInterval, a.pullStats)
	go a.tick(ctx, heartbeatInterval, a.sendHeartbeat)
	go a.tick(ctx, driftInterval, a.repairDrift)
}

// Stop terminates the loops and waits for them.
func (a *Agent) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// Synced reports whether a snapshot has been materialized this run.
func (a *Agent) Synced() bool { return a.synced.Load() }

// Degraded reports whether reconciliation is persistently failing.
func (a *Agent) Degraded() bool { return a.degraded.Load() }

// Samples projects the node's active connections for the metrics
// collector.
func (a *Agent) Samples() []metrics.ConnSample {
	conns := a.cache.ConnectionsOnNode(a.nodeID)
	out := make([]metrics.ConnSample, 0, len(conns))
	for _, c := range conns {
		if c.Status != types.ConnectionStatusActive {
			continue
		}
		out = append(out, metrics.ConnSample{
			ConnID:   c.ConnID.String(),
			Online:   c.Stat.Online,
			Uplink:   c.Stat.Uplink,
			Downlink: c.Stat.Downlink,
		})
	}
	return out
}

// restore replays the last persisted snapshot so drift checks and the
// debug endpoint work before the API republishes.
func (a *Agent) restore() {
	frame, err := a.state.LoadSnapshot()
	if err != nil {
		a.logger.Warn().Err(err).Msg("reading persisted snapshot failed")
		return
	}
	if frame == nil {
		return
	}
	snap, err := cache.DecodeSnapshot(frame)
	if err != nil {
		a.logger.Warn().Err(err).Msg("persisted snapshot is corrupt, ignoring")
		return
	}
	if err := a.cache.ApplySnapshot(snap); err != nil {
		a.logger.Warn().Err(err).Msg("persisted snapshot rejected")
		return
	}
	a.logger.Info().Time("taken_at", snap.TakenAt).Msg("restored persisted snapshot")
}

func (a *Agent) tick(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) consumeLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case d, ok := <-a.sub.Deliveries():
			if !ok {
				return
			}
			a.handleDelivery(ctx, d)
		case <-a.stopCh:
			return
		}
	}
}

func (a *Agent) handleDelivery(ctx context.Context, d bus.Delivery) {
	if cache.IsSnapshotFrame(d.Payload) {
		a.handleSnapshot(ctx, d.Payload)
		return
	}
	msg, err := types.DecodeMessage(d.Payload)
	if err != nil {
		a.logger.Warn().Err(err).Str("topic", d.Topic).Msg("dropping malformed control message")
		return
	}
	switch msg.Action {
	case types.ActionCreate:
		a.handleCreate(ctx, msg)
	case types.ActionDelete:
		a.handleDelete(ctx, msg)
	case types.ActionResetStat:
		a.handleReset(ctx, msg)
	}
}

func (a *Agent) handleSnapshot(ctx context.Context, frame []byte) {
	snap, err := cache.DecodeSnapshot(frame)
	if err != nil {
		a.logger.Warn().Err(err).Msg("dropping malformed snapshot frame")
		return
	}
	if snap.Node == nil || snap.Node.UUID != a.nodeID {
		a.logger.Warn().Msg("snapshot is for a different node, ignoring")
		return
	}
	if err := a.cache.ApplySnapshot(snap); err != nil {
		a.logger.Error().Err(err).Msg("applying snapshot failed")
		return
	}
	if err := a.state.SaveSnapshot(frame); err != nil {
		a.logger.Warn().Err(err).Msg("persisting snapshot failed")
	}
	a.synced.Store(true)
	a.logger.Info().
		Int("connections", len(snap.Connections)).
		Time("taken_at", snap.TakenAt).
		Msg("snapshot materialized")
	a.reconcileAll(ctx)
}

// reconcileAll provisions every active connection after a snapshot, then
// runs one drift pass to evict engine-side leftovers.
func (a *Agent) reconcileAll(ctx context.Context) {
	for _, c := range a.cache.ConnectionsOnNode(a.nodeID) {
		if c.Status != types.ConnectionStatusActive {
			continue
		}
		a.provision(ctx, c)
	}
	a.repairDrift(ctx)
}

func (a *Agent) handleCreate(ctx context.Context, msg types.Message) {
	c := a.cache.GetConnection(msg.ConnID)
	switch {
	case c != nil && !c.Deleted():
		if err := a.provision(ctx, c); err != nil {
			metrics.ReconcileActionsTotal.WithLabelValues("create", "failed").Inc()
			return
		}
		a.cache.SetConnStatus(c.ConnID, types.ConnectionStatusActive)
	case c != nil:
		// Tombstone revive ordered by the API.
		if err := a.provision(ctx, c); err != nil {
			metrics.ReconcileActionsTotal.WithLabelValues("create", "failed").Inc()
			return
		}
		revived := c.Clone()
		revived.Status = types.ConnectionStatusActive
		revived.ModifiedAt = time.Now().UTC()
		a.cache.PutConnection(revived, true)
	default:
		if err := a.createUnknown(ctx, msg); err != nil {
			metrics.ReconcileActionsTotal.WithLabelValues("create", "failed").Inc()
			return
		}
	}
	metrics.ReconcileActionsTotal.WithLabelValues("create", "ok").Inc()
}

// createUnknown handles a create delta for a conn_id the snapshot never
// carried. A password means shadowsocks; otherwise the uuid credential is
// provisioned on every local xray inbound. WireGuard connections always
// arrive via snapshot since deltas cannot carry peer parameters.
func (a *Agent) createUnknown(ctx context.Context, msg types.Message) error {
	now := time.Now().UTC()
	node := a.cache.SelfNode()
	if node == nil {
		return errdefs.Custom("no snapshot yet, cannot resolve inbounds")
	}

	var canonical *types.Connection
	for _, ib := range node.Inbounds {
		if ib.Tag == types.ProtoWireguard {
			continue
		}
		if ib.Tag == types.ProtoShadowsocks && msg.Password == "" {
			continue
		}
		proto := types.XrayProto(ib.Tag)
		if ib.Tag == types.ProtoShadowsocks {
			proto = types.ShadowsocksProto(msg.Password)
		}
		c := &types.Connection{
			ConnID:     msg.ConnID,
			Proto:      proto,
			Status:     types.ConnectionStatusActive,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		if err := a.provision(ctx, c); err != nil {
			return err
		}
		if canonical == nil || proto.Tag == types.ProtoShadowsocks {
			canonical = c
		}
	}
	if canonical == nil {
		return errdefs.Newf(errdefs.KindNotFound, "no inbound accepts connection %s", msg.ConnID)
	}
	a.cache.PutConnection(canonical, false)
	return nil
}

func (a *Agent) handleDelete(ctx context.Context, msg types.Message) {
	c := a.cache.GetConnection(msg.ConnID)
	if c == nil {
		// Never seen it; still evict the credential from the engines.
		a.removeEverywhere(ctx, msg.ConnID)
		metrics.ReconcileActionsTotal.WithLabelValues("delete", "ok").Inc()
		return
	}
	engine := a.mux.For(c.Proto.Tag)
	if engine != nil {
		err := a.withRetry(ctx, func() error { return engine.RemoveUser(ctx, c) })
		if err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
			metrics.ReconcileActionsTotal.WithLabelValues("delete", "failed").Inc()
			return
		}
	}
	a.cache.DeleteConnection(msg.ConnID)
	metrics.ReconcileActionsTotal.WithLabelValues("delete", "ok").Inc()
}

func (a *Agent) handleReset(ctx context.Context, msg types.Message) {
	c := a.cache.GetConnection(msg.ConnID)
	if c == nil {
		metrics.ReconcileActionsTotal.WithLabelValues("reset_stat", "unknown").Inc()
		return
	}
	if engine := a.mux.For(c.Proto.Tag); engine != nil {
		err := a.withRetry(ctx, func() error { return engine.ResetStat(ctx, c) })
		if err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
			metrics.ReconcileActionsTotal.WithLabelValues("reset_stat", "failed").Inc()
			return
		}
	}
	a.cache.ResetConnStat(msg.ConnID)
	metrics.ReconcileActionsTotal.WithLabelValues("reset_stat", "ok").Inc()
}

// provision adds the connection to its engine. An existing identity is
// success.
func (a *Agent) provision(ctx context.Context, c *types.Connection) error {
	engine := a.mux.For(c.Proto.Tag)
	if engine == nil {
		return errdefs.Newf(errdefs.KindNotFound, "no engine for proto %s", c.Proto.Tag)
	}
	err := a.withRetry(ctx, func() error { return engine.AddUser(ctx, c) })
	if errdefs.Is(err, errdefs.KindConflict) {
		return nil
	}
	return err
}

// removeEverywhere strips a uuid credential from every xray inbound.
// Used when a delete references a connection the agent never cached.
func (a *Agent) removeEverywhere(ctx context.Context, id uuid.UUID) {
	for _, tag := range types.ProtoTags {
		if tag == types.ProtoWireguard {
			continue
		}
		engine := a.mux.For(tag)
		if engine == nil {
			continue
		}
		c := &types.Connection{ConnID: id, Proto: types.Proto{Tag: tag}}
		if err := engine.RemoveUser(ctx, c); err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
			a.logger.Warn().Err(err).Str("proto", string(tag)).Msg("blind removal failed")
		}
	}
}

// withRetry runs fn with exponential backoff on transient errors. On
// persistent failure the agent flips degraded; the next heartbeat carries
// the flag.
func (a *Agent) withRetry(ctx context.Context, fn func() error) error {
	backoff := retryBase
	var err error
	for attempt := 1; attempt <= retryMax; attempt++ {
		if err = fn(); err == nil || !errdefs.Transient(err) {
			break
		}
		a.logger.Warn().Err(err).Int("attempt", attempt).Msg("tunnel call failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = errdefs.New(errdefs.KindCustom, ctx.Err())
			attempt = retryMax
		}
		backoff *= 2
		if backoff > retryCap {
			backoff = retryCap
		}
	}
	if err != nil && !errdefs.Is(err, errdefs.KindConflict) && !errdefs.Is(err, errdefs.KindNotFound) {
		a.degraded.Store(true)
		metrics.UpdateComponent("tunnel", false, err.Error())
		return err
	}
	if a.degraded.CompareAndSwap(true, false) {
		metrics.UpdateComponent("tunnel", true, "")
	}
	return err
}

// pullStats polls per-connection counters from the engines and publishes
// deltas for counters that moved.
func (a *Agent) pullStats(ctx context.Context) {
	now := time.Now().UTC()
	for _, c := range a.cache.ConnectionsOnNode(a.nodeID) {
		if c.Status != types.ConnectionStatusActive {
			continue
		}
		engine := a.mux.For(c.Proto.Tag)
		if engine == nil {
			continue
		}
		stat, err := engine.QueryStats(ctx, c)
		if err != nil {
			if !errdefs.Is(err, errdefs.KindNotFound) {
				a.logger.Warn().Err(err).Str("conn_id", c.ConnID.String()).Msg("stats query failed")
			}
			continue
		}
		op := a.cache.SetConnStat(c.ConnID, stat, now)
		if !op.Mutated() {
			continue
		}
		payload, err := json.Marshal(types.StatDelta{ConnID: c.ConnID, Stat: stat, ModifiedAt: now})
		if err != nil {
			continue
		}
		if err := a.pub.Publish(ctx, bus.TopicStats, payload); err != nil {
			a.logger.Warn().Err(err).Msg("publishing stat delta failed")
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	hb := types.Heartbeat{
		NodeID:   a.nodeID,
		Env:      a.cfg.Env,
		Hostname: a.cfg.Hostname,
		Status:   types.NodeStatusOnline,
		Degraded: a.degraded.Load(),
		SentAt:   time.Now().UTC(),
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	if err := a.pub.Publish(ctx, bus.TopicHeartbeat, payload); err != nil {
		a.logger.Warn().Err(err).Msg("publishing heartbeat failed")
	}
}

// repairDrift diffs cache against engine enumeration. Engine-only
// identities are removed; cache-only active connections are re-sent as
// creates.
func (a *Agent) repairDrift(ctx context.Context) {
	expected := make(map[string]*types.Connection)
	for _, c := range a.cache.ConnectionsOnNode(a.nodeID) {
		if c.Status != types.ConnectionStatusActive {
			continue
		}
		if engine := a.mux.For(c.Proto.Tag); engine != nil {
			expected[engine.Identity(c)] = c
		}
	}

	seen := make(map[string]struct{})
	for _, engine := range a.mux.Engines() {
		ids, err := engine.ListUsers(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("drift enumeration failed")
			return
		}
		for _, id := range ids {
			seen[id] = struct{}{}
			if _, ok := expected[id]; ok {
				continue
			}
			a.evictStray(ctx, engine, id)
			metrics.DriftRepairsTotal.WithLabelValues("remove").Inc()
		}
	}

	for id, c := range expected {
		if _, ok := seen[id]; ok {
			continue
		}
		if err := a.provision(ctx, c); err != nil {
			a.logger.Warn().Err(err).Str("conn_id", c.ConnID.String()).Msg("drift re-create failed")
			continue
		}
		metrics.DriftRepairsTotal.WithLabelValues("create").Inc()
	}
}

// evictStray removes an engine identity the cache does not claim. Xray
// identities are conn uuids; WireGuard ones are peer public keys.
func (a *Agent) evictStray(ctx context.Context, engine tunnel.Engine, identity string) {
	if engine.Handles(types.ProtoWireguard) {
		c := &types.Connection{
			Proto: types.WireguardProto(types.WireguardParams{PublicKey: identity}, a.nodeID),
		}
		if err := engine.RemoveUser(ctx, c); err != nil && !errdefs.Is(err, errdefs.KindNotFound) {
			a.logger.Warn().Err(err).Str("peer", identity).Msg("stray peer removal failed")
		}
		return
	}
	id, err := uuid.Parse(identity)
	if err != nil {
		a.logger.Warn().Str("identity", identity).Msg("stray identity is not a conn uuid")
		return
	}
	a.removeEverywhere(ctx, id)
}
