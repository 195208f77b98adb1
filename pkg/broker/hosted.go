// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// hostedCallTimeout bounds every broker HTTP call.
	hostedCallTimeout = 10 * time.Second

	// hostedMaxTries includes the initial attempt. Only transport errors
	// and 5xx responses are retried.
	hostedMaxTries = 3
)

// HostedConfig configures the hosted-broker REST client.
type HostedConfig struct {
	// BaseURL is the broker API root, e.g. https://api.broker.example.
	BaseURL string

	// APIKey authenticates server-to-broker calls.
	APIKey string

	// ClientID is this service's client id at the broker.
	ClientID string

	// WebhookSecret verifies inbound webhook signatures.
	WebhookSecret string
}

// Hosted is a Broker backed by a hosted identity-broker REST API.
type Hosted struct {
	cfg      HostedConfig
	client   *http.Client
	verifier *webhookVerifier
	logger   *slog.Logger
}

var _ Broker = (*Hosted)(nil)

// NewHosted builds the hosted-broker client.
func NewHosted(cfg HostedConfig) (*Hosted, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("broker base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("broker API key is required")
	}
	return &Hosted{
		cfg:      cfg,
		client:   &http.Client{Timeout: hostedCallTimeout},
		verifier: newWebhookVerifier([]byte(cfg.WebhookSecret)),
		logger:   slog.Default().With("component", "broker", "mode", "hosted"),
	}, nil
}

// AuthorizationURL builds the broker's authorization endpoint URL. This is
// pure URL construction; no network call happens here.
func (h *Hosted) AuthorizationURL(p AuthorizeParams) (string, error) {
	base, err := url.Parse(h.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing broker base URL: %w", err)
	}
	base = base.JoinPath("sso", "authorize")

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", h.cfg.ClientID)
	q.Set("redirect_uri", p.RedirectURI)
	q.Set("state", p.State)
	switch {
	case p.ConnectionID != "":
		q.Set("connection", p.ConnectionID)
	case p.Provider != "":
		q.Set("provider", string(p.Provider))
	default:
		return "", fmt.Errorf("either connection id or provider is required")
	}
	if p.LoginHint != "" {
		q.Set("login_hint", p.LoginHint)
	}
	if p.CodeChallenge != "" {
		q.Set("code_challenge", p.CodeChallenge)
		q.Set("code_challenge_method", "S256")
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// ExchangeCode trades the broker's post-login code for a user profile.
func (h *Hosted) ExchangeCode(ctx context.Context, code string) (*Profile, error) {
	var resp struct {
		Profile struct {
			ID             string         `json:"id"`
			Email          string         `json:"email"`
			FirstName      string         `json:"first_name"`
			LastName       string         `json:"last_name"`
			ConnectionID   string         `json:"connection_id"`
			ConnectionType string         `json:"connection_type"`
			OrganizationID string         `json:"organization_id"`
			RawAttributes  map[string]any `json:"raw_attributes"`
		} `json:"profile"`
	}
	err := h.post(ctx, "/sso/token", map[string]string{
		"client_id": h.cfg.ClientID,
		"code":      code,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Profile{
		ID:             resp.Profile.ID,
		Email:          resp.Profile.Email,
		FirstName:      resp.Profile.FirstName,
		LastName:       resp.Profile.LastName,
		ConnectionID:   resp.Profile.ConnectionID,
		ConnectionType: resp.Profile.ConnectionType,
		OrganizationID: resp.Profile.OrganizationID,
		RawAttributes:  resp.Profile.RawAttributes,
	}, nil
}

// CreateMagicAuth asks the broker to create and email a 6-digit code. The
// broker owns rate limiting and existence hiding.
func (h *Hosted) CreateMagicAuth(ctx context.Context, email string) error {
	return h.post(ctx, "/magic_auth", map[string]string{"email": email}, nil)
}

// AuthenticateWithMagicAuth verifies the emailed code.
func (h *Hosted) AuthenticateWithMagicAuth(ctx context.Context, email, code, ip, userAgent string) (*MagicAuthUser, error) {
	var resp struct {
		User struct {
			Email     string `json:"email"`
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
		} `json:"user"`
	}
	err := h.post(ctx, "/magic_auth/authenticate", map[string]string{
		"client_id":  h.cfg.ClientID,
		"email":      email,
		"code":       code,
		"ip_address": ip,
		"user_agent": userAgent,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &MagicAuthUser{
		Email:     resp.User.Email,
		FirstName: resp.User.FirstName,
		LastName:  resp.User.LastName,
	}, nil
}

// VerifyWebhook checks the signature header and parses the event.
func (h *Hosted) VerifyWebhook(rawBody []byte, signatureHeader string) (*Event, error) {
	return h.verifier.verify(rawBody, signatureHeader)
}

// post issues a JSON POST with retry on transient failures. A 4xx is
// permanent and surfaces as ErrAuthenticationFailed; transport errors and
// 5xx exhaust the retry budget and surface as ErrUpstreamUnavailable.
func (h *Hosted) post(ctx context.Context, path string, body map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding broker request: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 100 * time.Millisecond

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			h.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)

		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("broker returned %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("%w: broker returned %d", ErrAuthenticationFailed, resp.StatusCode))
		}
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(hostedMaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			h.logger.Debug("retrying broker call", "path", path, "delay", d, "error", err)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			return err
		}
		h.logger.Warn("broker call failed", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding broker response: %w", err)
		}
	}
	return nil
}
