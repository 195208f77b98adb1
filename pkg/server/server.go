// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the authentication service over HTTP: the OAuth
// authorize/callback/token endpoints, magic-code login, the
// browser-to-device handoff flow, session endpoints, the JWK set, and the
// identity webhook.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prismxr/authd/pkg/broker"
	"github.com/prismxr/authd/pkg/config"
	"github.com/prismxr/authd/pkg/sessions"
	"github.com/prismxr/authd/pkg/sso"
	"github.com/prismxr/authd/pkg/store"
	"github.com/prismxr/authd/pkg/tokens"
	"github.com/prismxr/authd/pkg/users"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server wires the orchestrators onto HTTP handlers.
type Server struct {
	cfg      *config.Config
	store    store.Store
	sessions *sessions.Manager
	signer   *tokens.Signer
	states   *tokens.StateSigner
	resolver *sso.Resolver
	linker   *users.Linker
	broker   broker.Broker
	logger   *slog.Logger
}

// New builds the Server.
func New(
	cfg *config.Config,
	st store.Store,
	mgr *sessions.Manager,
	signer *tokens.Signer,
	states *tokens.StateSigner,
	idp broker.Broker,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		sessions: mgr,
		signer:   signer,
		states:   states,
		resolver: sso.NewResolver(st),
		linker:   users.NewLinker(st),
		broker:   idp,
		logger:   slog.Default().With("component", "server"),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
	)

	// Public endpoints.
	r.Get("/oauth/authorize", s.handleAuthorize)
	r.Get("/oauth/callback", s.handleOAuthCallback)
	r.Post("/oauth/token", s.handleToken)
	r.Get("/oauth/.well-known/jwks.json", s.handleJWKS)

	r.Post("/magic-auth", s.handleMagicAuth)
	r.Post("/magic-auth/verify", s.handleMagicVerify)

	r.Post("/handoff/initiate", s.handleHandoffInitiate)
	r.Get("/handoff/poll", s.handleHandoffPoll)
	r.Get("/login", s.handleLogin)
	r.Post("/device-token", s.handleDeviceToken)

	r.Post("/refresh", s.handleRefresh)
	r.Post("/webhooks/identity", s.handleIdentityWebhook)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// Bearer-protected endpoints.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/callback", s.handleBrowserCallback)
		r.Post("/logout", s.handleLogout)
		r.Post("/logout-all", s.handleLogoutAll)
	})

	return r
}

// Run serves until ctx is cancelled, then drains connections and runs a
// final purge sweep shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.runSweeper(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
