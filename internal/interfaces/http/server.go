// Package http serves the bot's read-only observation surface: health,
// consolidated status, and Prometheus metrics. It never accepts commands;
// control stays with the CLI and config.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/cache"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/gates"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/learner"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/ledger"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/quota"
	"github.com/mlevitan96-crypto/stock-bot-sub007/internal/reconcile"
)

// ServerConfig holds the listener settings. Local-only by default.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the local-only defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Deps are the read-only collaborators the status surface reports on. Any
// nil member drops out of the response instead of panicking.
type Deps struct {
	Quota      *quota.Manager
	Reconciler *reconcile.Reconciler
	Learner    *learner.Learner
	Ledger     *ledger.Ledger
	Cache      *cache.SignalCache
	Universe   []string
	Metrics    *MetricsRegistry
}

// Server is the read-only HTTP server.
type Server struct {
	router    *mux.Router
	server    *http.Server
	deps      Deps
	version   string
	startTime time.Time
}

// NewServer builds the server and its routes.
func NewServer(cfg ServerConfig, deps Deps, version string) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		deps:      deps,
		version:   version,
		startTime: time.Now(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if deps.Metrics != nil {
		s.router.Handle("/metrics",
			promhttp.HandlerFor(deps.Metrics.Gatherer(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if s.deps.Reconciler != nil && s.deps.Reconciler.Status().CyclesSinceClean > 3 {
		status = "degraded"
	}
	writeJSON(w, HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Version:   s.version,
	})
}

// StatusResponse consolidates the operational surfaces into one payload.
type StatusResponse struct {
	Timestamp time.Time                           `json:"timestamp"`
	Quota     *quota.Status                       `json:"quota,omitempty"`
	Reconcile *reconcile.Status                   `json:"reconcile,omitempty"`
	Weights   map[string]learner.PosteriorSummary `json:"weights,omitempty"`
	Positions []ledger.Position                   `json:"positions,omitempty"`
	Signals   map[string]string                   `json:"signals,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Timestamp: time.Now()}

	if s.deps.Quota != nil {
		qs := s.deps.Quota.Status()
		resp.Quota = &qs
	}
	if s.deps.Reconciler != nil {
		rs := s.deps.Reconciler.Status()
		resp.Reconcile = &rs
	}
	if s.deps.Learner != nil {
		resp.Weights = s.deps.Learner.Summary()
	}
	if s.deps.Ledger != nil {
		resp.Positions = s.deps.Ledger.All()
	}
	if s.deps.Cache != nil {
		now := time.Now()
		resp.Signals = make(map[string]string, len(s.deps.Universe))
		for _, symbol := range s.deps.Universe {
			resp.Signals[symbol] = string(s.deps.Cache.Classify(symbol, now))
		}
	}

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("status encode failed")
	}
}

// Record implements gates.Journal, counting pipeline decisions on the
// metrics surface. Wired as one sink in the pipeline's MultiJournal.
func (m *MetricsRegistry) Record(res gates.Result) {
	gate := res.RejectedBy
	result := "rejected"
	if res.Accepted {
		gate = "all"
		result = "accepted"
	}
	m.GateDecisions.WithLabelValues(gate, result).Inc()
	m.CompositeScores.Observe(res.Score)
}
