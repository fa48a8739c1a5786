// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer: it connects handlers, middleware, and routes.
// Think of it as the control centre that decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server starts and stops gracefully
//
// WHY SEPARATE FROM main.go?
// Keeping server setup in its own package makes it:
// - Testable (we can create a test server without running main)
// - Reusable (multiple entry points could use the same server config)
// - Clean (main.go only opens the stores and starts the server)
//
// DEPENDENCY INJECTION FLOW:
// main.go creates:
//
//	config → store (sqlite or postgres) → identity feed (Redis or in-process)
//
// and passes them in Deps. New() builds the services and handlers on top:
//
//	repositories → AuthService, SettingsService → handlers → routes
//
// This is the "composition root" pattern: all dependencies are wired
// in one place, rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sakif/discord-notify/internal/auth"
	"github.com/sakif/discord-notify/internal/config"
	"github.com/sakif/discord-notify/internal/handler"
	"github.com/sakif/discord-notify/internal/identity"
	"github.com/sakif/discord-notify/internal/metrics"
	"github.com/sakif/discord-notify/internal/middleware"
	"github.com/sakif/discord-notify/internal/repository"
	"github.com/sakif/discord-notify/internal/service"
	"github.com/sakif/discord-notify/web"
)

// Deps are the resources main opens and owns. The server only uses them.
type Deps struct {
	Users    repository.UserRepository
	Settings repository.SettingsRepository
	Feed     identity.Feed

	// Checks are reported by /healthz, keyed by name.
	Checks map[string]handler.Pinger

	// Registry collects the server's metrics; nil creates a fresh one.
	Registry *prometheus.Registry
	// Clock drives token expiry and the rate limiter; nil means real time.
	Clock clockwork.Clock
}

// Server represents the HTTP server and all its dependencies.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	limiter *middleware.RateLimiter
}

// New builds every service and handler and mounts the routes.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Registry == nil {
		deps.Registry = metrics.NewRegistry()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	// === AUTH ===
	tokens, err := auth.NewTokenService(cfg.JWTSecret, auth.WithTTL(cfg.TokenTTL), auth.WithClock(deps.Clock))
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}
	var github *auth.GitHubProvider
	if cfg.GitHubEnabled() {
		github = auth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubCallbackURL)
	}
	browser := auth.NewBrowserSessions([]byte(cfg.SessionSecret), cfg.Secure(), cfg.SessionMaxAge)

	// === METRICS ===
	httpMetrics := metrics.NewHTTPMetrics(deps.Registry)
	sessionMetrics := metrics.NewSessionMetrics(deps.Registry)
	settingsMetrics := metrics.NewSettingsMetrics(deps.Registry)

	// === SERVICES ===
	authSvc := service.NewAuthService(deps.Users, tokens, auth.NewPasswordService(), deps.Feed, deps.Clock, logger)
	settingsSvc := service.NewSettingsService(deps.Settings, logger, service.WithSettingsRecorder(settingsMetrics))

	// === HANDLERS ===
	pages, err := handler.NewRenderer(web.Templates, logger)
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	limiter := middleware.NewRateLimiter(
		middleware.KeyGenerationLimits(cfg.KeyRateLimit, cfg.KeyRateBurst), deps.Clock, logger)

	authHandler := handler.NewAuthHandler(authSvc, github, browser, cfg.TokenTTL, cfg.Secure(), logger)
	settingsHandler := handler.NewSettingsHandler(settingsSvc, authSvc, limiter, browser, pages, logger)
	pageHandler := handler.NewPageHandler(pages, browser, cfg.GitHubEnabled(), logger)
	sessionHandler := handler.NewSessionHandler(deps.Feed, tokens, authSvc, browser, sessionMetrics, logger)
	healthHandler := handler.NewHealthHandler(deps.Checks)

	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		limiter: limiter,
	}

	// === Global Middleware ===
	// MIDDLEWARE ORDER MATTERS. Outermost first:
	// 1. metrics    → sees every request, including ones that panic
	// 2. RequestID  → assigns unique ID to each request (for tracing)
	// 3. RealIP     → extracts real client IP from proxy headers
	// 4. Logger     → logs each request with timing info
	// 5. Recoverer  → catches panics and returns 500 instead of crashing
	s.router.Use(httpMetrics.Middleware)
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(logger))
	s.router.Use(chimiddleware.Recoverer)

	// === Operational ===
	s.router.Handle("/metrics", metrics.Handler(deps.Registry))
	s.router.Handle("/healthz", healthHandler)
	s.router.Handle("/static/*", http.StripPrefix("/static/", http.FileServerFS(web.Static())))

	// === Auth ===
	s.router.Route("/auth", func(r chi.Router) {
		r.Get("/github/login", authHandler.HandleGitHubLogin)
		r.Get("/github/callback", authHandler.HandleGitHubCallback)
		r.Post("/login", authHandler.HandleLogin)
		r.Post("/register", authHandler.HandleRegister)
		r.Post("/logout", authHandler.HandleLogout)
	})

	// === Session feed ===
	// Resolves its own credentials from the upgrade request.
	s.router.Get("/ws/session", sessionHandler.ServeHTTP)

	// === Pages ===
	// OptionalAuth: anonymous visitors are redirected to /login instead of
	// getting a JSON 401.
	s.router.Group(func(r chi.Router) {
		r.Use(auth.OptionalAuth(tokens))
		r.Use(middleware.RecordUser)
		r.Get("/", pageHandler.HandleRoot)
		r.Get("/login", pageHandler.HandleLogin)
		r.Get("/settings", settingsHandler.HandlePage)
		r.Post("/settings/chat-id", settingsHandler.HandleUpdateChatID)
		r.Post("/settings/key", settingsHandler.HandleCreateKey)
	})

	// === API ===
	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Use(middleware.RecordUser)
		r.Get("/me", authHandler.HandleMe)
		r.Get("/settings", settingsHandler.HandleGet)
		r.With(limiter.Middleware).Post("/settings/key", settingsHandler.HandleCreateKeyAPI)
		r.Put("/settings/chat-id", settingsHandler.HandleUpdateChatIDAPI)
	})

	return s, nil
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server until SIGINT or SIGTERM.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (SHUTDOWN_TIMEOUT)
// 3. Cancel the base context, which ends every open /ws/session socket
//
// Hijacked websocket connections are not tracked by http.Server.Shutdown,
// which is why step 3 needs the base context.
func (s *Server) Run(ctx context.Context) error {
	defer s.limiter.Stop()

	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.String("addr", s.config.Addr),
			slog.String("url", s.config.BaseURL),
			slog.String("store", s.config.DBDriver),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}
