// Package api exposes the AgentOS HTTP surface: the /v1/* JSON endpoints,
// health, and the gated Prometheus endpoint. Every /v1 request passes the
// ordered gate pipeline: pre-auth IP limiting, bearer authentication, scope
// check, endpoint rate limit, quota, idempotency, validation, handler.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/agentos-dev/agentos/pkg/auth"
	"github.com/agentos-dev/agentos/pkg/config"
	"github.com/agentos-dev/agentos/pkg/idempotency"
	"github.com/agentos-dev/agentos/pkg/log"
	"github.com/agentos-dev/agentos/pkg/memory"
	"github.com/agentos-dev/agentos/pkg/ratelimit"
	"github.com/agentos-dev/agentos/pkg/storage"
	"github.com/agentos-dev/agentos/pkg/worker"
)

const (
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	maxBodyBytes      = 1 << 20
	limiterSweepEvery = time.Minute
	bootstrapLimit    = 10
)

// Server wires the engine and gates into an HTTP server.
type Server struct {
	cfg     *config.Config
	store   storage.Store
	engine  *memory.Engine
	auth    *auth.Authenticator
	idem    *idempotency.Manager
	window  *ratelimit.WindowLimiter
	preauth *ratelimit.PreAuthLimiter
	jobs    *worker.Worker
	logger  zerolog.Logger

	httpServer *http.Server
	cancelBG   context.CancelFunc
}

// NewServer assembles the server and its route table.
func NewServer(cfg *config.Config, store storage.Store, engine *memory.Engine, jobs *worker.Worker) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		auth:    auth.NewAuthenticator(store),
		idem:    idempotency.NewManager(store),
		window:  ratelimit.NewWindowLimiter(),
		preauth: ratelimit.NewPreAuthLimiter(cfg.PreAuthRateLimitPerMinute),
		jobs:    jobs,
		logger:  log.WithComponent("api"),
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.preAuthMiddleware)

		v1.Post("/put", s.handlePut)
		v1.Post("/get", s.handleGet)
		v1.Post("/delete", s.handleDelete)
		v1.Post("/history", s.handleHistory)
		v1.Post("/list", s.handleList)
		v1.Post("/glob", s.handleGlob)
		v1.Post("/dump", s.handleDump)
		v1.Post("/agents", s.handleAgents)
		v1.Post("/search", s.handleSearch)

		v1.Post("/admin/create-key", s.handleCreateKey)
		v1.Post("/admin/requeue-jobs", s.handleRequeueJobs)
	})
	return r
}

// Start begins serving and launches the background sweepers. It blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start() error {
	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancelBG = cancel
	go s.idem.Sweeper(bgCtx)
	go s.sweepLimiters(bgCtx)

	s.logger.Info().Int("port", s.cfg.Port).Bool("production", s.cfg.Production()).
		Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, drains in-flight handlers, and stops the
// background loops. Closing the store is the caller's responsibility.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBG != nil {
		s.cancelBG()
	}
	s.logger.Info().Msg("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) sweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.window.Sweep()
			s.preauth.Sweep()
		}
	}
}
