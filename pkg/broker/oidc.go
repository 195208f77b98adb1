// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrNotSupported is returned for capabilities a broker mode does not
// implement, such as passwordless codes on a plain OIDC issuer.
var ErrNotSupported = errors.New("operation not supported by this broker mode")

// OIDCConfig configures the direct-OIDC broker for self-hosted
// deployments that talk to a single OIDC issuer instead of a hosted
// broker.
type OIDCConfig struct {
	// Issuer is the upstream OIDC provider URL. Endpoints are fetched
	// from {Issuer}/.well-known/openid-configuration.
	Issuer string

	// ClientID and ClientSecret are this service's credentials at the
	// issuer.
	ClientID     string
	ClientSecret string

	// RedirectURI is the broker-facing callback on this service.
	RedirectURI string

	// Scopes defaults to openid, profile, email.
	Scopes []string

	// WebhookSecret verifies inbound webhook signatures, for issuers
	// that emit them.
	WebhookSecret string
}

// OIDC is a Broker that fronts a single OIDC issuer directly. Magic-auth
// operations are not available in this mode.
type OIDC struct {
	cfg      OIDCConfig
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	webhook  *webhookVerifier
	logger   *slog.Logger
}

var _ Broker = (*OIDC)(nil)

// NewOIDC discovers the issuer's endpoints and builds the broker.
func NewOIDC(ctx context.Context, cfg OIDCConfig) (*OIDC, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}

	httpClient := &http.Client{Timeout: hostedCallTimeout}
	ctx = oidc.ClientContext(ctx, httpClient)
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC issuer: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDC{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		webhook:  newWebhookVerifier([]byte(cfg.WebhookSecret)),
		logger:   slog.Default().With("component", "broker", "mode", "oidc"),
	}, nil
}

// AuthorizationURL builds the issuer's authorization URL. ConnectionID is
// meaningless in direct mode and rejected so enterprise routing cannot
// silently degrade to the default issuer.
func (o *OIDC) AuthorizationURL(p AuthorizeParams) (string, error) {
	if p.ConnectionID != "" {
		return "", fmt.Errorf("%w: connection routing requires the hosted broker", ErrNotSupported)
	}

	opts := []oauth2.AuthCodeOption{}
	if p.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", p.LoginHint))
	}
	if p.CodeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", p.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return o.oauth.AuthCodeURL(p.State, opts...), nil
}

// ExchangeCode exchanges the issuer's code and validates the ID token.
func (o *OIDC) ExchangeCode(ctx context.Context, code string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, hostedCallTimeout)
	defer cancel()

	token, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		o.logger.Warn("code exchange failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: token response missing id_token", ErrAuthenticationFailed)
	}
	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	var claims struct {
		Email      string `json:"email"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decoding ID token claims: %w", err)
	}

	var raw map[string]any
	_ = idToken.Claims(&raw)

	return &Profile{
		ID:             idToken.Subject,
		Email:          claims.Email,
		FirstName:      claims.GivenName,
		LastName:       claims.FamilyName,
		ConnectionType: connectionTypeForIssuer(o.cfg.Issuer),
		RawAttributes:  raw,
	}, nil
}

// CreateMagicAuth is unavailable on a plain OIDC issuer.
func (o *OIDC) CreateMagicAuth(context.Context, string) error {
	return ErrNotSupported
}

// AuthenticateWithMagicAuth is unavailable on a plain OIDC issuer.
func (o *OIDC) AuthenticateWithMagicAuth(context.Context, string, string, string, string) (*MagicAuthUser, error) {
	return nil, ErrNotSupported
}

// VerifyWebhook checks the signature header and parses the event.
func (o *OIDC) VerifyWebhook(rawBody []byte, signatureHeader string) (*Event, error) {
	return o.webhook.verify(rawBody, signatureHeader)
}

// connectionTypeForIssuer maps well-known issuer hosts to connection
// types so the protocol tag stays accurate in direct mode.
func connectionTypeForIssuer(issuer string) string {
	switch {
	case issuer == "https://accounts.google.com":
		return string(ProviderGoogle)
	case issuer == "https://login.microsoftonline.com/common/v2.0":
		return string(ProviderMicrosoft)
	case issuer == "https://appleid.apple.com":
		return string(ProviderApple)
	default:
		return "OIDC"
	}
}
