// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package broker abstracts the external identity broker that performs the
// actual user authentication: federated OAuth, enterprise SSO, and
// passwordless email codes. Two implementations exist, a hosted-broker
// REST client and a direct OIDC client for self-hosted deployments.
package broker

import (
	"context"
	"errors"

	"github.com/prismxr/authd/pkg/store"
)

// Adapter failure modes. Orchestrators map these to HTTP errors; anything
// transient must not mutate local state.
var (
	// ErrUpstreamUnavailable wraps transient network or 5xx failures.
	ErrUpstreamUnavailable = errors.New("identity broker unavailable")

	// ErrAuthenticationFailed covers definitive rejections from the
	// broker: bad code, expired code, unknown connection.
	ErrAuthenticationFailed = errors.New("broker authentication failed")
)

// Provider names a social login provider the broker can front directly.
type Provider string

// Supported social providers.
const (
	ProviderGoogle    Provider = "GoogleOAuth"
	ProviderMicrosoft Provider = "MicrosoftOAuth"
	ProviderApple     Provider = "AppleOAuth"
)

// AuthorizeParams describes an authorization URL request. Exactly one of
// ConnectionID or Provider is set.
type AuthorizeParams struct {
	ConnectionID  string
	Provider      Provider
	LoginHint     string
	State         string
	CodeChallenge string
	RedirectURI   string
}

// Profile is the identity the broker reports after a successful login.
type Profile struct {
	ID             string
	Email          string
	FirstName      string
	LastName       string
	ConnectionID   string
	ConnectionType string
	OrganizationID string
	RawAttributes  map[string]any
}

// MagicAuthUser is the minimal identity returned by passwordless
// verification.
type MagicAuthUser struct {
	Email     string
	FirstName string
	LastName  string
}

// Event is a parsed, signature-verified webhook payload.
type Event struct {
	ID   string         `json:"id"`
	Type string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Broker is the capability set the orchestrators require from the
// external identity provider.
type Broker interface {
	// AuthorizationURL produces the external URL to redirect the user to.
	AuthorizationURL(p AuthorizeParams) (string, error)

	// ExchangeCode exchanges the broker's post-login code for a profile.
	ExchangeCode(ctx context.Context, code string) (*Profile, error)

	// CreateMagicAuth asks the broker to email a 6-digit code.
	CreateMagicAuth(ctx context.Context, email string) error

	// AuthenticateWithMagicAuth verifies a 6-digit code.
	AuthenticateWithMagicAuth(ctx context.Context, email, code, ip, userAgent string) (*MagicAuthUser, error)

	// VerifyWebhook checks the webhook signature and parses the event.
	VerifyWebhook(rawBody []byte, signatureHeader string) (*Event, error)
}

// ProtocolForConnectionType maps a broker connection type to the internal
// protocol tag. Unknown types are enterprise SSO.
func ProtocolForConnectionType(connectionType string) store.Protocol {
	switch connectionType {
	case string(ProviderGoogle):
		return store.ProtocolGoogle
	case string(ProviderMicrosoft):
		return store.ProtocolMicrosoft
	case string(ProviderApple):
		return store.ProtocolApple
	case "MagicLink":
		return store.ProtocolMagicLink
	default:
		return store.ProtocolSSO
	}
}

// ProviderForName maps the public provider query value to the broker's
// provider enum. ok is false for unknown names.
func ProviderForName(name string) (Provider, bool) {
	switch name {
	case "google":
		return ProviderGoogle, true
	case "microsoft":
		return ProviderMicrosoft, true
	case "apple":
		return ProviderApple, true
	default:
		return "", false
	}
}
