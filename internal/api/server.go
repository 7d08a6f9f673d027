// Package api is the HTTP surface: upload and recommendation submission,
// result polling, and a websocket stream of job events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/mattjoyce/larder/internal/auth"
	"github.com/mattjoyce/larder/internal/events"
	"github.com/mattjoyce/larder/internal/jobstore"
	"github.com/mattjoyce/larder/internal/metrics"
	"github.com/mattjoyce/larder/internal/projector"
	"github.com/mattjoyce/larder/internal/protocol"
)

// Submitter creates jobs and starts dispatching them.
type Submitter interface {
	Submit(ctx context.Context, kind jobstore.Kind, ownerID, inputRef string) (string, error)
}

// JobReader reads job records.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*jobstore.Job, error)
	Depth(ctx context.Context) (int, error)
}

// Inputs stores submitted payloads until their job is done with them.
type Inputs interface {
	Save(ctx context.Context, r io.Reader, ext string, maxBytes int64) (string, error)
	Release(ctx context.Context, ref string) error
}

// Catalog assembles the recommendation worker's request.
type Catalog interface {
	OwnedIngredientIDs(ctx context.Context, userID string) ([]int, error)
	Candidates(ctx context.Context, ingredientIDs []int, requireMain bool) ([]protocol.Candidate, error)
}

// Resolver turns a stored job result into display records.
type Resolver interface {
	Resolve(ctx context.Context, kind jobstore.Kind, raw json.RawMessage) ([]projector.Item, error)
}

// Config holds API server configuration
type Config struct {
	Listen         string
	Tokens         []auth.TokenConfig
	AllowedOrigins []string
	MaxUploadBytes int64
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Submitter Submitter
	Jobs      JobReader
	Inputs    Inputs
	Catalog   Catalog
	Resolver  Resolver
	Events    *events.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	validate  *validator.Validate
	upgrader  websocket.Upgrader
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 10 << 20
	}
	s := &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
		validate:  validator.New(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/images", s.handleUploadImage)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/images/analysis/{jobID}", s.handleGetAnalysis)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/recommendations", s.handleRequestRecommendation)
		r.With(s.requireScopes(auth.ScopeJobsRO)).Get("/recommendations/{jobID}", s.handleGetRecommendation)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/ws/jobs", s.handleJobStream)
	})

	if len(s.config.AllowedOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler(r)
}

// checkOrigin admits same-origin and non-browser clients, plus any origin
// allowed for CORS.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// loggingMiddleware logs HTTP requests and counts them by route pattern.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, r.Method, fmt.Sprint(status)).Inc()

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
