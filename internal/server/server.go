// Package server provides the HTTP server setup and wiring.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pendergraft/contratweak/internal/auth"
	"github.com/pendergraft/contratweak/internal/chains/evm/foundry"
	"github.com/pendergraft/contratweak/internal/config"
	"github.com/pendergraft/contratweak/internal/middleware/logging"
	"github.com/pendergraft/contratweak/internal/middleware/ratelimit"
	"github.com/pendergraft/contratweak/internal/middleware/realip"
	"github.com/pendergraft/contratweak/internal/middleware/security"
	"github.com/pendergraft/contratweak/internal/observability/metrics"
	projectsDomain "github.com/pendergraft/contratweak/internal/projects/domain"
	projectsTransport "github.com/pendergraft/contratweak/internal/projects/transport"
	runsDomain "github.com/pendergraft/contratweak/internal/runs/domain"
	runsTransport "github.com/pendergraft/contratweak/internal/runs/transport"
	"github.com/pendergraft/contratweak/internal/storage"
	"github.com/pendergraft/contratweak/internal/tweak"
)

// Server is the HTTP server
type Server struct {
	cfg    *config.Config
	store  storage.Store
	logger *slog.Logger
	router *chi.Mux
	engine runsDomain.Engine

	limiter *ratelimit.Limiter

	// Services typed via transport interfaces
	projectsSvc projectsTransport.Service
	runsSvc     runsTransport.Service
}

// Option customizes a Server.
type Option func(*Server)

// WithEngine replaces the pipeline engine that backs check and tweak runs.
func WithEngine(e runsDomain.Engine) Option {
	return func(s *Server) { s.engine = e }
}

// New creates a new server
func New(cfg *config.Config, store storage.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		logger: logger,
		router: chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		compiler := foundry.New(foundry.WithBinary(cfg.Projects.CompilerBinary))
		s.engine = runsDomain.NewPipelineEngine(compiler, cfg.RPC.URL, cfg.RPC.ClientOptions(), logger)
	}

	// Create domain services, wrapped with logging middleware
	projectsImpl := projectsDomain.NewService(store, cfg.Projects.Root)
	projectsSvc := projectsDomain.LoggingMiddleware(logger)(projectsImpl)
	runsImpl := runsDomain.NewService(projectsSvc, store, s.engine, tweak.NewTargetLocks())

	s.projectsSvc = projectsSvc
	s.runsSvc = runsDomain.LoggingMiddleware(logger)(runsImpl)

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases background resources. The store is owned by the caller.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// MetricsHandler returns the metrics HTTP handler for separate metrics server
func (s *Server) MetricsHandler() http.Handler {
	return metrics.Handler()
}

func (s *Server) setupMiddleware() {
	// Order matters! Security middleware runs first to block malicious requests early.

	// 1. Real IP extraction (must be first to set client IP for other middleware)
	s.router.Use(realip.Middleware(realip.Config{
		TrustProxy:     s.cfg.Proxy.TrustProxy,
		TrustedProxies: s.cfg.Proxy.TrustedProxies,
	}))

	// 2. Security filter (blocks malicious patterns, bypasses health checks)
	s.router.Use(security.FilterMiddleware(s.cfg.Security.FilterEnabled))

	// 3. Body size limit
	s.router.Use(security.MaxBodySizeMiddleware(s.cfg.Security.MaxBodySizeMB))

	// 4. Rate limiting (bypasses health checks)
	if s.cfg.RateLimit.Enabled {
		s.limiter = ratelimit.New(ratelimit.Config{
			Enabled:        true,
			RequestsPerMin: s.cfg.RateLimit.RequestsPerMin,
			BurstSize:      s.cfg.RateLimit.BurstSize,
			RunsPerMin:     s.cfg.RateLimit.RunsPerMin,
			RunBurst:       s.cfg.RateLimit.RunBurst,
			CleanupMinutes: s.cfg.RateLimit.CleanupMinutes,
		})
		s.router.Use(s.limiter.Middleware())
	}

	// 5. Standard middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	// 6. CORS
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
}

func (s *Server) setupRoutes() {
	// Health checks
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)

	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Port == 0 {
		s.router.Handle("/metrics", metrics.Handler())
	}

	projectsHandler := projectsTransport.NewHandler(s.projectsSvc)
	runsHandler := runsTransport.NewHandler(s.runsSvc)

	// Auth middleware for operations that change state
	requireAuth := func(r chi.Router) {
		if s.cfg.Auth.Type == "api-key" {
			r.Use(auth.Middleware(s.store, writeError))
			return
		}
		// keys are still used to attribute ownership when sent
		r.Use(auth.OptionalMiddleware(s.store))
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		if d := time.Duration(s.cfg.Server.RequestTimeout) * time.Second; d > 0 {
			r.Use(middleware.Timeout(d))
		}

		r.Route("/projects", func(r chi.Router) {
			projectsHandler.RegisterReadRoutes(r)
			runsHandler.RegisterProjectReadRoutes(r)

			// Write operations - auth required
			r.Group(func(r chi.Router) {
				requireAuth(r)
				projectsHandler.RegisterWriteRoutes(r)
				runsHandler.RegisterProjectWriteRoutes(r)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			runsHandler.RegisterReadRoutes(r)
		})

		r.Group(func(r chi.Router) {
			requireAuth(r)
			r.Get("/auth/status", s.handleAuthStatus)
		})
	})
}

// handleAuthStatus tells a client whether the key it sent is known.
func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	key := auth.KeyFromContext(r.Context())
	if key == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": false,
			"authType":      s.cfg.Auth.Type,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"authType":      s.cfg.Auth.Type,
		"keyName":       key.Name,
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once the store answers a query.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.ListProjects(ctx, storage.PaginationParams{Limit: 1}); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "Storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
