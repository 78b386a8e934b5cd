// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the wiring layer: New builds the whole dependency chain
// from a config.Config, and setupRoutes decides which URL maps to which
// handler and what middleware guards it.
//
// DEPENDENCY FLOW:
//
//	config.Config
//	  → repository.Store (sqlite or memory) + AccountRepository
//	  → payout.Transferer (book or onchain)
//	  → ledger.Context → registry.Registry
//	  → handlers → chi routes
//
// Everything is assembled in one place so main.go stays a few lines long and
// tests can build a full server without a listener.
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

	"github.com/ethcentivize/issue-registry/internal/auth"
	"github.com/ethcentivize/issue-registry/internal/config"
	"github.com/ethcentivize/issue-registry/internal/handler"
	"github.com/ethcentivize/issue-registry/internal/ledger"
	"github.com/ethcentivize/issue-registry/internal/metrics"
	"github.com/ethcentivize/issue-registry/internal/middleware"
	"github.com/ethcentivize/issue-registry/internal/payout"
	"github.com/ethcentivize/issue-registry/internal/registry"
	"github.com/ethcentivize/issue-registry/internal/repository"
	"github.com/ethcentivize/issue-registry/internal/repository/memory"
	sqliteRepo "github.com/ethcentivize/issue-registry/internal/repository/sqlite"
	"github.com/ethcentivize/issue-registry/internal/service"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

// shutdownTimeout bounds how long in-flight requests get after a signal.
const shutdownTimeout = 30 * time.Second

// Server owns the router and every resource that must be released on
// shutdown: the store and, in onchain mode, the RPC connection.
type Server struct {
	router   *chi.Mux
	config   config.Config
	logger   *slog.Logger
	store    repository.Store
	registry *registry.Registry
	metrics  *metrics.Metrics
	ready    *atomic.Bool
	closers  []func()
}

// New builds a server from cfg. cfg is expected to have passed
// config.Validate; New still fails cleanly on anything it cannot open.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		ready:  atomic.NewBool(false),
	}
	if cfg.MetricsEnabled {
		s.metrics = metrics.New()
	}

	// === STORAGE ===
	// The SQLite database also stores accounts. The memory store needs a
	// separate account table.
	var accounts repository.AccountRepository
	if cfg.DBPath == "" {
		s.store = memory.New()
		accounts = &memory.Accounts{}
		logger.Warn("no db_path configured, using in-memory store; state is lost on exit")
	} else {
		db, err := sqliteRepo.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s.store = db
		accounts = db
	}

	// === PAYOUT ===
	transfer, err := s.openPayout(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}

	// === REGISTRY ===
	policy, err := registry.NewAccessPolicy(cfg.CertifierPolicy, cfg.Admins)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("building access policy: %w", err)
	}
	lc := ledger.New(s.store, logger)
	s.registry = registry.New(lc, accounts, policy, transfer, s.metrics, logger)

	if err := s.setupRoutes(accounts); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	s.ready.Store(true)
	return s, nil
}

func (s *Server) openPayout(ctx context.Context) (payout.Transferer, error) {
	switch s.config.Payout.Mode {
	case config.PayoutOnchain:
		o, closeClient, err := payout.Dial(ctx, s.config.Payout.RPCURL, s.config.Payout.PrivateKey, s.config.Payout.ChainID, s.logger)
		if err != nil {
			return nil, fmt.Errorf("opening payout: %w", err)
		}
		s.closers = append(s.closers, closeClient)
		s.logger.Info("onchain payouts enabled",
			slog.String("from", o.From().Hex()),
			slog.Int64("chain_id", s.config.Payout.ChainID),
		)
		return o, nil
	default:
		s.logger.Info("payouts recorded in the local book only")
		return payout.NewBook(), nil
	}
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET  /api/auth/challenge        login nonce
//	POST /api/auth/login            signed nonce → JWT
//	POST /api/auth/logout
//	GET  /api/me                    (auth)
//	GET  /auth/github/login         (auth) link a GitHub login
//	GET  /auth/github/callback      (auth)
//	GET  /api/issues                list
//	POST /api/issues                (auth) create
//	GET  /api/issues/count
//	GET  /api/issues/{id}
//	POST /api/issues/{id}/start     (auth)
//	POST /api/issues/{id}/assignee  (auth)
//	POST /api/issues/{id}/credit    (auth)
//	POST /api/withdraw              (auth)
//	GET  /api/balances/{address}
//	GET  /api/events
//	GET  /admin/audit               (X-Admin-Key)
//	GET  /livez /readyz /metrics
//
// Middleware order: RequestID first so every later log line can carry it,
// Recoverer innermost of the globals so a panic is still logged as a 500.
func (s *Server) setupRoutes(accounts repository.AccountRepository) error {
	tokens, err := auth.NewTokenService(s.config.JWTSecret)
	if err != nil {
		return err
	}

	var adminKey *auth.AdminKey
	if s.config.AdminKeyHash != "" {
		if adminKey, err = auth.NewAdminKey(s.config.AdminKeyHash); err != nil {
			return err
		}
	} else {
		s.logger.Info("admin_key_hash not set, /admin routes disabled")
	}

	var github *auth.GitHubProvider
	if s.config.GitHub.Enabled() {
		callback := s.config.GitHub.CallbackURL
		if callback == "" {
			callback = fmt.Sprintf("http://localhost:%d/auth/github/callback", s.config.Port)
		}
		github = auth.NewGitHubProvider(s.config.GitHub.ClientID, s.config.GitHub.ClientSecret, callback)
	}

	authService := service.NewAuthService(accounts, tokens, auth.NewChallenges(auth.DefaultChallengeTTL), s.logger)
	authHandler := handler.NewAuthHandler(authService, github, tokens.TTL(), s.config.SecureCookies, s.logger)
	issueHandler := handler.NewIssueHandler(s.registry, s.logger)
	adminHandler := handler.NewAdminHandler(s.registry, s.logger)
	healthHandler := handler.NewHealthHandler(s.ready)

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger, s.metrics))
	s.router.Use(chimiddleware.Recoverer)

	// === Probes ===
	s.router.Get("/livez", healthHandler.HandleLive)
	s.router.Get("/readyz", healthHandler.HandleReady)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// === GitHub linking ===
	s.router.Route("/auth/github", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Get("/login", authHandler.HandleGitHubLogin)
		r.Get("/callback", authHandler.HandleGitHubCallback)
	})

	// === API ===
	s.router.Route("/api", func(r chi.Router) {
		// Public reads. A valid token still identifies the caller in logs.
		r.Group(func(r chi.Router) {
			r.Use(auth.OptionalAuth(tokens))
			r.Get("/auth/challenge", authHandler.HandleChallenge)
			r.Post("/auth/login", authHandler.HandleLogin)
			r.Post("/auth/logout", authHandler.HandleLogout)

			r.Get("/issues", issueHandler.HandleList)
			r.Get("/issues/count", issueHandler.HandleCount)
			r.Get("/issues/{id}", issueHandler.HandleGet)
			r.Get("/balances/{address}", issueHandler.HandleBalance)
			r.Get("/events", issueHandler.HandleEvents)
		})

		// Everything that acts as the caller.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(tokens))
			r.Get("/me", authHandler.HandleMe)

			r.Post("/issues", issueHandler.HandleCreate)
			r.Post("/issues/{id}/start", issueHandler.HandleStartWork)
			r.Post("/issues/{id}/assignee", issueHandler.HandleReassign)
			r.Post("/issues/{id}/credit", issueHandler.HandleCredit)
			r.Post("/withdraw", issueHandler.HandleWithdraw)
		})
	})

	// === Admin ===
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdminKey(adminKey))
		r.Get("/audit", adminHandler.HandleAudit)
	})

	return nil
}

// Handler exposes the router, for tests and for embedding behind another
// listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the store and any payout connection. Safe to call more than
// once.
func (s *Server) Close() {
	s.ready.Store(false)
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("closing store", slog.String("error", err.Error()))
		}
		s.store = nil
	}
}

// Start serves HTTP until SIGINT/SIGTERM, then shuts down gracefully:
//  1. mark the instance not ready, so /readyz reports draining
//  2. stop accepting connections and wait for in-flight requests
//  3. close the payout client and the store
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
			slog.String("database", s.databaseLabel()),
			slog.String("certifier_policy", string(s.config.CertifierPolicy)),
			slog.String("payout_mode", s.config.Payout.Mode),
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
		s.ready.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

func (s *Server) databaseLabel() string {
	if s.config.DBPath == "" {
		return "memory"
	}
	return s.config.DBPath
}
