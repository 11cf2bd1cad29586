package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/varmetrics/varmetrics/internal/materialize"
	"github.com/varmetrics/varmetrics/internal/scheduler"
	"github.com/varmetrics/varmetrics/internal/telemetry"
)

// Server exposes health, Prometheus metrics and run history for serve mode.
type Server struct {
	ledger    *materialize.Ledger
	metrics   *telemetry.Metrics
	scheduler *scheduler.Scheduler
	addr      string
	token     string
	router    chi.Router
	startTime time.Time
	logger    *zap.Logger
}

// New builds the router. An empty token leaves the API open.
func New(ledger *materialize.Ledger, metrics *telemetry.Metrics, sched *scheduler.Scheduler, addr, token string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		ledger:    ledger,
		metrics:   metrics,
		scheduler: sched,
		addr:      addr,
		token:     token,
		router:    chi.NewRouter(),
		startTime: time.Now(),
		logger:    logger,
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	// Public endpoints
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Run API (protected when a token is set)
	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/api/runs", s.handleRuns)
		r.Get("/api/schedule", s.handleSchedule)
		r.Post("/api/runs/{tag}", s.handleTrigger)
	})
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", s.addr))
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

func (s *Server) Handler() http.Handler {
	return s.router
}
