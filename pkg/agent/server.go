package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/frkn-dev/pony/pkg/log"
	"github.com/frkn-dev/pony/pkg/metrics"
	"github.com/frkn-dev/pony/pkg/types"
)

// debugState is the JSON body of GET /debug/state: the agent's current
// view of its node and connections.
type debugState struct {
	Node        *types.Node         `json:"node"`
	Connections []*types.Connection `json:"connections"`
	Synced      bool                `json:"synced"`
	Degraded    bool                `json:"degraded"`
}

// Server is the agent's local HTTP surface: healthcheck, debug state and
// prometheus metrics. Bound to loopback by default.
type Server struct {
	agent *Agent
	http  *http.Server
}

func NewServer(agent *Agent, addr string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthcheck", handleHealth)
	r.Get("/debug/state", func(w http.ResponseWriter, req *http.Request) {
		st := debugState{
			Node:        agent.cache.SelfNode(),
			Connections: agent.cache.ConnectionsOnNode(agent.nodeID),
			Synced:      agent.Synced(),
			Degraded:    agent.Degraded(),
		}
		writeJSON(w, http.StatusOK, st)
	})
	r.Handle("/metrics", metrics.Handler())

	return &Server{
		agent: agent,
		http: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown. ErrServerClosed is swallowed.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleHealth always answers 200; degradation shows in the body, not
// the status code.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, metrics.GetHealth())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger := log.WithComponent("http")
		logger.Warn().Err(err).Msg("encoding response failed")
	}
}
