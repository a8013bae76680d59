// Package api exposes the reconciliation, transaction and workflow
// surfaces over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Custodia-Network/treasury_core/internal/auth"
	"github.com/Custodia-Network/treasury_core/internal/database"
	"github.com/Custodia-Network/treasury_core/internal/metrics"
	"github.com/Custodia-Network/treasury_core/internal/reconciler"
	"github.com/Custodia-Network/treasury_core/internal/workflow"
)

// Pinger is the readiness probe dependency; *sqlx.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Config wires the server.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Reconciler      *reconciler.Engine
	Workflows       *workflow.Engine
	Transactions    *database.TransactionRepository
	Permissions     auth.Permissions
	DB              Pinger
	Logger          *logrus.Entry
	Metrics         *metrics.Metrics
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of the service.
type Server struct {
	cfg  Config
	log  *logrus.Entry
	http *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Reconciler == nil || cfg.Workflows == nil || cfg.Transactions == nil {
		return nil, fmt.Errorf("api: reconciler, workflow engine and transaction repository are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{cfg: cfg, log: cfg.Logger}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Router builds the route table. Exposed separately so tests can drive
// the handlers without a listener.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.cfg.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.requirePermission("reconciliation", "write")).
			Post("/addresses/{address}/chains/{chainAlias}/reconcile", s.handleCreateReconciliationJob)
		r.Get("/addresses/{address}/chains/{chainAlias}/reconciliation-jobs", s.handleListReconciliationJobs)
		r.Get("/reconciliation-jobs/{jobID}", s.handleGetReconciliationJob)
		r.With(s.requirePermission("reconciliation", "write")).
			Delete("/reconciliation-jobs/{jobID}", s.handleDeleteReconciliationJob)

		r.Get("/chains/{chainAlias}/addresses/{address}/transactions", s.handleListTransactions)

		r.With(s.requirePermission("workflows", "write")).
			Post("/workflows", s.handleCreateWorkflow)
		r.Get("/workflows/{workflowID}", s.handleGetWorkflow)
		r.With(s.requirePermission("workflows", "write")).
			Post("/workflows/{workflowID}/transitions", s.handleWorkflowTransition)
		r.Get("/workflows/{workflowID}/events", s.handleListWorkflowEvents)
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.cfg.Addr).Info("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DB != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.DB.PingContext(pingCtx); err != nil {
			s.writeError(w, r, fmt.Errorf("database unreachable: %w", err))
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request handled")
	})
}
