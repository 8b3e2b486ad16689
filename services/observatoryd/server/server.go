// Package server exposes the observatory: conservation and task statistics
// computed read-only over the bank and board databases, plus on-demand
// ledger report exports. Every endpoint is public; the observatory holds no
// secrets and performs no writes against the platform state it watches.
package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"agora/httpapi"
	"agora/observability"
	"agora/services/observatoryd/recon"
)

// Config carries the server knobs taken from the service configuration.
type Config struct {
	ServiceName string
	RateLimits  map[string]httpapi.RateLimit
}

// Server wires the read-only database handles and the report exporter
// behind the HTTP surface.
type Server struct {
	cfg      Config
	bank     *sql.DB
	board    *sql.DB
	exporter *recon.Exporter
	logger   *slog.Logger
	router   http.Handler
	metrics  *observability.ObservatoryMetrics
	started  time.Time
	now      func() time.Time
}

// New constructs the observatoryd HTTP server.
func New(cfg Config, bank, board *sql.DB, exporter *recon.Exporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "observatoryd"
	}
	s := &Server{
		cfg:      cfg,
		bank:     bank,
		board:    board,
		exporter: exporter,
		logger:   logger,
		metrics:  observability.Observatory(),
		started:  time.Now(),
		now:      time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	metrics := httpapi.NewMetrics(s.cfg.ServiceName, s.logger)
	limits := httpapi.NewRateLimiter(s.cfg.RateLimits, s.logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.NotFound(httpapi.NotFound)
	r.MethodNotAllowed(httpapi.MethodNotAllowed)

	r.With(metrics.Middleware("observatory.ledger_stats")).Get("/stats/ledger", s.handleLedgerStats)
	r.With(metrics.Middleware("observatory.task_stats")).Get("/stats/tasks", s.handleTaskStats)
	r.With(metrics.Middleware("observatory.run_report"), limits.Middleware("reports")).
		Post("/reports/run", s.handleRunReport)

	r.Get("/health", httpapi.Health(s.cfg.ServiceName, s.started, s.healthCounters))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func (s *Server) healthCounters() map[string]int64 {
	return map[string]int64{
		"reports_written": s.exporter.Runs(),
	}
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.ledgerSnapshot(r.Context())
	if err != nil {
		s.logger.Error("ledger snapshot failed", "error", err)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusInternalServerError, httpapi.CodeInternal, "ledger snapshot failed"))
		return
	}
	s.metrics.RecordSnapshot("ledger")
	httpapi.WriteJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.taskSnapshot(r.Context())
	if err != nil {
		s.logger.Error("task snapshot failed", "error", err)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusInternalServerError, httpapi.CodeInternal, "task snapshot failed"))
		return
	}
	s.metrics.RecordSnapshot("tasks")
	httpapi.WriteJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	result, err := s.exporter.Run(r.Context())
	if err != nil {
		s.logger.Error("report run failed", "error", err)
		httpapi.WriteError(w, httpapi.Errorf(http.StatusInternalServerError, httpapi.CodeInternal, "report run failed"))
		return
	}
	s.metrics.RecordReport(result.Rows)
	httpapi.WriteJSON(w, http.StatusOK, result)
}
