// Package server wires configuration, storage, services and handlers into one
// http.Handler and runs it.
//
// This is the composition root:
//
//	config.Config → sqlite.DB → sqlite.Collection (users)
//	             → service.UserStore → AccountService / AlexaService
//	             → handlers → chi routes → otelhttp
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sakif/linelink/internal/auth"
	"github.com/sakif/linelink/internal/config"
	"github.com/sakif/linelink/internal/handler"
	"github.com/sakif/linelink/internal/middleware"
	"github.com/sakif/linelink/internal/model"
	sqliteRepo "github.com/sakif/linelink/internal/repository/sqlite"
	"github.com/sakif/linelink/internal/service"
)

// SignInPath is where anonymous browsers are sent.
const SignInPath = "/account/signin"

// Server owns the database connection and the composed HTTP handler.
type Server struct {
	router    *chi.Mux
	handler   http.Handler
	config    config.Config
	logger    *slog.Logger
	db        *sqliteRepo.DB
	providers []handler.IdentityProvider
}

// Option customises a Server at construction.
type Option func(*Server)

// WithIdentityProviders replaces the providers built from configuration.
func WithIdentityProviders(providers ...handler.IdentityProvider) Option {
	return func(s *Server) {
		s.providers = providers
	}
}

// New opens the store and builds the route tree.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	db, err := sqliteRepo.New(cfg.DBPath, sqliteRepo.WithRequestTimeout(cfg.StoreTimeout))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router:    chi.NewRouter(),
		config:    cfg,
		logger:    logger,
		db:        db,
		providers: providersFromConfig(cfg),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	s.handler = otelhttp.NewHandler(s.router, "linelink",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	return s, nil
}

func providersFromConfig(cfg config.Config) []handler.IdentityProvider {
	var providers []handler.IdentityProvider
	if cfg.GitHub.Enabled() {
		providers = append(providers, auth.NewGitHubProvider(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.GitHub.CallbackURL))
	}
	if cfg.Amazon.Enabled() {
		providers = append(providers, auth.NewAmazonProvider(cfg.Amazon.ClientID, cfg.Amazon.ClientSecret, cfg.Amazon.CallbackURL))
	}
	return providers
}

// setupRoutes configures middleware and routes.
//
// ROUTES:
// GET    /                        → home page
// GET    /account/signin          → provider list
// POST   /account/signout         → clear session
// GET    /auth/{provider}/login   → start external sign-in
// GET    /auth/{provider}/callback
// GET    /alexa/authorize         → skill account linking (session)
// GET    /api/preferences         → skill API (bearer token)
// GET    /manage                  → own account (session)
// PUT    /manage/preferences
// POST   /manage/alexa/unlink
// POST   /manage/logins/remove
// DELETE /manage
// GET    /admin/users/count       → admin role only
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	tokens, err := s.sessionTokens()
	if err != nil {
		return err
	}

	users, err := s.db.Collection(s.config.UsersCollection)
	if err != nil {
		return fmt.Errorf("opening users collection: %w", err)
	}

	// The collection is created on first use as well; doing it here surfaces
	// a broken database at startup instead of on the first request.
	ctx, cancel := context.WithTimeout(context.Background(), s.config.StoreTimeout)
	defer cancel()
	if _, err := s.db.Collections().EnsureExists(ctx, users.Name()); err != nil {
		return fmt.Errorf("ensuring users collection: %w", err)
	}

	userStore := service.NewUserStore(users, s.logger)
	accounts := service.NewAccountService(userStore, tokens, s.config.AdminEmails, s.logger)
	alexa := service.NewAlexaService(userStore, service.AlexaConfig{
		LinkingEnabled: s.config.Alexa.LinkingEnabled,
		ClientID:       s.config.Alexa.ClientID,
		RedirectURLs:   s.config.Alexa.RedirectURLs,
	}, s.logger)

	authHandler := handler.NewAuthHandler(s.providers, accounts, tokens, s.config.CookieSecure, s.logger)
	pages, err := handler.NewPagesHandler(authHandler.Providers(), s.logger)
	if err != nil {
		return fmt.Errorf("creating pages handler: %w", err)
	}
	alexaHandler := handler.NewAlexaHandler(alexa, s.logger)
	apiHandler := handler.NewAPIHandler(alexa, s.logger)
	manage := handler.NewManageHandler(accounts, s.config.CookieSecure, s.logger)

	if len(s.providers) == 0 {
		s.logger.Warn("no identity providers configured; nobody can sign in")
	}

	// === Pages ===
	s.router.With(auth.OptionalAuth(tokens)).Get("/", pages.HandleHome)
	s.router.Get(SignInPath, pages.HandleSignIn)
	s.router.Post("/account/signout", authHandler.HandleSignOut)

	// === External sign-in ===
	s.router.Get("/auth/{provider}/login", authHandler.HandleLogin)
	s.router.Get("/auth/{provider}/callback", authHandler.HandleCallback)

	// === Alexa ===
	s.router.With(auth.RequireSignIn(tokens, SignInPath)).Get("/alexa/authorize", alexaHandler.HandleAuthorize)
	s.router.Get("/api/preferences", apiHandler.HandlePreferences)

	// === Account management ===
	s.router.Route("/manage", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Get("/", manage.HandleGet)
		r.Delete("/", manage.HandleDelete)
		r.Put("/preferences", manage.HandleUpdatePreferences)
		r.Post("/alexa/unlink", manage.HandleUnlinkAlexa)
		r.Post("/logins/remove", manage.HandleRemoveLogin)
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Use(auth.RequireRole(userStore, model.AdministratorRole, s.logger))
		r.Get("/users/count", manage.HandleUserCount)
	})

	return nil
}

// sessionTokens builds the session TokenService. Without JWT_SECRET a random
// per-process secret is used, so sessions end on restart.
func (s *Server) sessionTokens() (*auth.TokenService, error) {
	secret := s.config.JWTSecret
	if secret == "" {
		s.logger.Warn("JWT_SECRET not set; using an ephemeral secret, sessions will not survive a restart")
		random, err := auth.NewSkillToken()
		if err != nil {
			return nil, fmt.Errorf("generating session secret: %w", err)
		}
		secret = random
	}
	tokens, err := auth.NewTokenService(secret, s.config.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}
	return tokens, nil
}

// Handler returns the fully composed handler, tracing included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close releases the database.
func (s *Server) Close() error {
	return s.db.Close()
}

// Start serves until SIGINT/SIGTERM, then drains in-flight requests and
// closes the database.
func (s *Server) Start() error {
	defer s.db.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.config.StoreTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", s.config.PublicURL),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
