package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/dispatchd/internal/config"
	"github.com/me/dispatchd/internal/metrics"
	"github.com/me/dispatchd/internal/remote"
	"github.com/me/dispatchd/internal/scheduler"
	"github.com/me/dispatchd/internal/store"
)

// UpdateApplier executes the side effects accumulated in an UpdateSet.
// The scheduler Loop is the production implementation.
type UpdateApplier interface {
	Apply(ctx context.Context, u *remote.UpdateSet) error
}

// Server is the dispatchd scheduler's REST API server.
//
// Every registry access takes mu: the registry core is not
// self-synchronizing, and this mutex (shared with the scheduler loop) is
// the single lock that serializes all calls into it.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.SchedulerConfig
	startTime time.Time

	store    store.Store
	registry *remote.Registry
	mu       *sync.Mutex

	scheduler scheduler.Scheduler
	applier   UpdateApplier
	metrics   *metrics.Metrics
	metricsH  http.Handler
}

// New creates a new Server with all routes registered. mu must be the
// same mutex the scheduler loop uses. sched may be nil if no scheduling
// loop is desired (e.g. in tests).
func New(cfg config.SchedulerConfig, st store.Store, reg *remote.Registry, mu *sync.Mutex,
	sched scheduler.Scheduler, applier UpdateApplier, m *metrics.Metrics, metricsH http.Handler,
	logger *slog.Logger) *Server {

	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		registry:  reg,
		mu:        mu,
		scheduler: sched,
		applier:   applier,
		metrics:   m,
		metricsH:  metricsH,
	}
	s.routes()
	return s
}

// StartScheduler begins the scheduling loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.metricsH != nil {
		r.Handle("/metrics", s.metricsH)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/workers", func(r chi.Router) {
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Get("/", s.handleListWorkers)
			r.Route("/{shard}", func(r chi.Router) {
				r.Get("/", s.handleGetWorker)
				r.Get("/tasks", s.handleWorkerRunningTasks)
				r.Post("/tasks", s.handleRunningTasksReport)
			})
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmitTask)
			r.Get("/", s.handleListTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/status", s.handleTaskStatus)
			})
		})
	})
}
