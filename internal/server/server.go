// Package server exposes the runtime's control API: one HTTP listener
// carrying registry CRUD, tool execution, policy management, connection
// lifecycle, the context-engine toggle, and Prometheus exposition. It is
// the only layer that translates error kinds into HTTP statuses.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coregov/runtime/internal/auth"
	"github.com/coregov/runtime/internal/config"
	"github.com/coregov/runtime/internal/connector"
	"github.com/coregov/runtime/internal/contextengine"
	"github.com/coregov/runtime/internal/eventbus"
	"github.com/coregov/runtime/internal/executor"
	"github.com/coregov/runtime/internal/manifest"
	"github.com/coregov/runtime/internal/observability"
	"github.com/coregov/runtime/internal/policy"
	"github.com/coregov/runtime/internal/runner"
)

// Version is populated by ldflags at build time.
var Version = "dev"

// Server owns the control API and the runtime's background loops: the
// engine cycle ticker, the connection reaper, and the engine-event metrics
// bridge. Each collaborator is a single owning value passed in at startup.
type Server struct {
	cfg       config.Config
	registry  *manifest.Registry
	enforcer  *policy.Enforcer
	bus       *eventbus.Bus
	exec      *executor.Executor
	engine    *contextengine.Engine
	collector *contextengine.Collector
	conns     *connector.Connector
	metrics   *observability.Metrics
	logger    *observability.Logger
	authSvc   *auth.Service

	// WasiAvailable is reported on /api/status; the executor falls back to
	// RunnerUnavailable when false.
	WasiAvailable bool

	// Wasi, when set, receives compile-cache invalidations as manifests
	// are disabled or deleted.
	Wasi *runner.WasiRunner

	httpServer *http.Server
	listener   net.Listener
}

// New assembles a server from its already-constructed components.
func New(cfg config.Config, registry *manifest.Registry, enforcer *policy.Enforcer,
	bus *eventbus.Bus, exec *executor.Executor, engine *contextengine.Engine,
	collector *contextengine.Collector, conns *connector.Connector,
	metrics *observability.Metrics, logger *observability.Logger, authSvc *auth.Service) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		enforcer:  enforcer,
		bus:       bus,
		exec:      exec,
		engine:    engine,
		collector: collector,
		conns:     conns,
		metrics:   metrics,
		logger:    logger,
		authSvc:   authSvc,
	}
}

// Routes builds the full handler tree. Exported so tests drive it with
// httptest without binding a port.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/tools", s.handleToolsList)
	mux.HandleFunc("POST /api/tools", s.mutating(s.handleToolsCreate))
	mux.HandleFunc("GET /api/tools/{name}", s.handleToolGet)
	mux.HandleFunc("PATCH /api/tools/{name}", s.mutating(s.handleToolPatch))
	mux.HandleFunc("PUT /api/tools/{name}", s.mutating(s.handleToolPut))
	mux.HandleFunc("DELETE /api/tools/{name}", s.mutating(s.handleToolDelete))
	mux.HandleFunc("POST /api/tools/execute", s.handleToolExecute)

	mux.HandleFunc("GET /api/policies", s.handlePoliciesGet)
	mux.HandleFunc("POST /api/policies", s.mutating(s.handlePoliciesReplace))

	mux.HandleFunc("POST /api/context-engine", s.mutating(s.handleEngineToggle))

	mux.HandleFunc("GET /api/connections", s.handleConnectionsList)
	mux.HandleFunc("POST /api/connections", s.handleConnectionRegister)
	mux.HandleFunc("POST /api/connections/{id}/heartbeat", s.handleConnectionHeartbeat)
	mux.HandleFunc("DELETE /api/connections/{id}", s.handleConnectionUnregister)

	return s.instrument(mux)
}

// instrument records HTTP metrics for every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// mutating wraps a handler with bearer-token auth when auth is enabled.
// Execution and connection endpoints stay open: clients authenticate at the
// transport layer they arrived on, and execution is already context-gated.
func (s *Server) mutating(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authSvc.Enabled() {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeErrorStatus(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
				return
			}
			if _, err := s.authSvc.Validate(token); err != nil {
				writeErrorStatus(w, http.StatusUnauthorized, "Unauthorized", "invalid token")
				return
			}
		}
		next(w, r)
	}
}

// Start binds the listener and serves until Shutdown. Bind failures are
// startup failures; the caller exits non-zero.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()
	s.logger.Info(ctx, "control api listening", "addr", addr, "profile", s.cfg.Profile)

	go s.conns.RunReaper(ctx)
	go s.runEngineLoop(ctx)
	s.bridgeEngineEvents()
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// runEngineLoop drives one engine cycle per window and pushes the
// resulting tunable values into the Bus's admission limits.
func (s *Server) runEngineLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			obs := s.collector.Drain()
			s.engine.RunCycle(obs)
			s.applyTunables()
		}
	}
}

// applyTunables propagates max_inflight and queue_watermark from the
// engine's current set into the Bus.
func (s *Server) applyTunables() {
	snap := s.engine.Snapshot()
	maxInflight := int64(snap["max_inflight"].Current)
	watermark := snap["queue_watermark"].Current
	if maxInflight > 0 && watermark > 0 {
		s.bus.SetLimits(maxInflight, watermark)
	}
}

// bridgeEngineEvents mirrors context.engine stream records into the
// transition counter so proposals, promotions, and rollbacks show up in
// Prometheus without the engine knowing about metrics.
func (s *Server) bridgeEngineEvents() {
	_, _ = s.bus.Subscribe("context.engine", func(ev eventbus.Event) {
		tunable := ""
		if data, ok := ev.Data.(map[string]any); ok {
			if name, ok := data["tunable"].(string); ok {
				tunable = name
			}
		}
		s.metrics.RecordEngineTransition(tunable, ev.Type)
	})
}
