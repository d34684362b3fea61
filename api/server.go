package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"imagegen_backend/core"
	"imagegen_backend/db"
	"imagegen_backend/imagegen"
	"imagegen_backend/jobs"
	"imagegen_backend/metrics"
	"imagegen_backend/shutdown"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// ServerConfig carries the server's settings and collaborators. Executor
// and Logger are required; the rest may be nil, which disables the routes
// or health checks that need them.
type ServerConfig struct {
	Addr            string
	APIKeys         []string
	RateLimitMax    int
	RateLimitWindow time.Duration

	Executor *imagegen.Executor
	Jobs     *jobs.Manager
	Repo     *db.Repository
	Database *db.Database
	Broker   *jobs.Broker
	Recorder *metrics.Recorder
	History  *metrics.GenerationStore
	GPU      *metrics.GPUCollector
	Hub      *Hub
	Shutdown *shutdown.Manager
	Logger   *zap.Logger

	StartTime time.Time
}

// Server is the HTTP API server.
type Server struct {
	cfg     ServerConfig
	logger  *zap.Logger
	keys    *KeySet
	limiter *RateLimiter
	router  chi.Router
	http    *http.Server
}

// NewServer builds the router. It does not listen until Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("api: executor cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	if cfg.Jobs != nil && cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger.Named("websocket"), DefaultHubConfig())
	}

	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		keys:    NewKeySet(cfg.APIKeys),
		limiter: NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the job event hub, nil when jobs are disabled.
func (s *Server) Hub() *Hub { return s.cfg.Hub }

// Limiter returns the rate limiter.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger, "/health", "/metrics"))
	r.Use(middleware.Recoverer)
	if s.cfg.Recorder != nil {
		r.Use(observeHTTP(s.cfg.Recorder))
	}
	r.Use(cors)
	if s.cfg.Shutdown != nil {
		r.Use(s.cfg.Shutdown.Middleware)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method "+r.Method+" not allowed")
	})

	// open routes
	r.Get("/health", s.handleHealth)
	r.Get("/images/{filename}", s.handleImage)
	if s.cfg.Recorder != nil {
		r.Handle("/metrics", s.cfg.Recorder.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(requireAPIKey(s.keys, s.logger))

		r.Get("/models", s.handleModels)
		r.Get("/benchmark", s.handleBenchmark)
		r.With(s.limiter.Middleware).Post("/generate", s.handleGenerate)

		if s.cfg.Jobs != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/events", s.cfg.Hub.HandleConnection)
				r.Get("/stats", s.handleJobStats)
				r.Get("/", s.handleListJobs)
				r.Get("/{id}", s.handleGetJob)

				r.Group(func(r chi.Router) {
					r.Use(s.limiter.Middleware)
					r.Post("/", s.handleSubmitJob)
					r.Delete("/{id}", s.handleCancelJob)
					r.Post("/{id}/retry", s.handleRetryJob)
				})
			})
		}
		if s.cfg.Repo != nil {
			r.Route("/projects", func(r chi.Router) {
				r.Post("/", s.handleCreateProject)
				r.Get("/", s.handleListProjects)
				r.Get("/{id}", s.handleGetProject)
				r.Get("/{id}/assets", s.handleListAssets)
			})
		}
	})
	return r
}

// Start listens on the configured address and serves until Shutdown. It
// returns once the listener is bound; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", s.cfg.Addr, err)
	}
	if s.cfg.Hub != nil {
		go s.cfg.Hub.Run(ctx)
	}
	if s.limiter.Enabled() {
		s.limiter.StartCleanupTicker(ctx, time.Minute)
	}
	s.logger.Info("http server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("auth", s.keys.Enabled()),
		zap.Bool("jobs", s.cfg.Jobs != nil),
		zap.String("version", core.Version))

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting connections, closes websocket clients and waits
// for active requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.Hub != nil {
		s.cfg.Hub.Close()
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}
