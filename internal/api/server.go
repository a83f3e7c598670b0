// Package api is the HTTP surface: function lifecycle, invocation, API key
// management, and health.
package api

import (
	"net/http"

	"github.com/dartcloud/dartcloud/internal/auth"
	"github.com/dartcloud/dartcloud/internal/config"
	"github.com/dartcloud/dartcloud/internal/deploy"
	"github.com/dartcloud/dartcloud/internal/invoke"
	"github.com/dartcloud/dartcloud/internal/metrics"
	"github.com/dartcloud/dartcloud/internal/observability"
	"github.com/dartcloud/dartcloud/internal/runtime"
	"github.com/dartcloud/dartcloud/internal/store"
)

// Server wires the HTTP handlers to the engine components.
type Server struct {
	cfg      *config.Config
	store    store.Store
	deployer *deploy.Deployer
	engine   *invoke.Engine
	keys     *auth.Keys
	rt       runtime.Runtime
	metrics  *metrics.Metrics
}

// New returns a Server.
func New(cfg *config.Config, s store.Store, d *deploy.Deployer, e *invoke.Engine, k *auth.Keys, rt runtime.Runtime, m *metrics.Metrics) *Server {
	return &Server{cfg: cfg, store: s, deployer: d, engine: e, keys: k, rt: rt, metrics: m}
}

// Handler assembles the full middleware chain and route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return observability.HTTPMiddleware(mux)
}

// RegisterRoutes registers all routes on the given mux. Management routes
// sit behind bearer authentication; the invoke route carries its own
// signature scheme and health and metrics are open.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	authed := func(h http.HandlerFunc) http.Handler {
		return auth.Bearer(s.cfg.JWTSecret, h)
	}

	// Function lifecycle
	mux.Handle("POST /api/functions/deploy", authed(s.DeployFunction))
	mux.Handle("GET /api/functions", authed(s.ListFunctions))
	mux.Handle("DELETE /api/functions/{id}", authed(s.DeleteFunction))
	mux.Handle("GET /api/functions/{id}/deployments", authed(s.ListDeployments))
	mux.Handle("POST /api/functions/{id}/rollback", authed(s.RollbackFunction))
	mux.Handle("GET /api/functions/{id}/invocations", authed(s.ListInvocations))
	mux.Handle("GET /api/functions/{id}/logs", authed(s.ListFunctionLogs))

	// Invocation
	mux.HandleFunc("POST /api/functions/{id}/invoke", s.InvokeFunction)

	// API keys
	mux.Handle("POST /api/auth/apikey/generate", authed(s.GenerateAPIKey))
	mux.Handle("GET /api/auth/apikey/{function_id}/list", authed(s.ListAPIKeys))
	mux.Handle("DELETE /api/auth/apikey/{key_id}/revoke", authed(s.RevokeAPIKey))
	mux.Handle("PUT /api/auth/apikey/{key_id}/enable", authed(s.EnableAPIKey))

	// Operational
	mux.HandleFunc("GET /health", s.Health)
	mux.HandleFunc("GET /health/live", s.Liveness)
	mux.HandleFunc("GET /health/ready", s.Readiness)
	mux.Handle("GET /metrics", s.metrics.Handler())
}

// Health reports overall health: store reachable and runtime responding.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	dbOK := s.store.Ping(r.Context()) == nil
	rtOK := s.rt.Available(r.Context())

	status := http.StatusOK
	state := "ok"
	if !dbOK || !rtOK {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":   state,
		"database": dbOK,
		"runtime":  rtOK,
	})
}

// Liveness always succeeds while the process runs.
func (s *Server) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness requires the store; the runtime may still be warming up.
func (s *Server) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
