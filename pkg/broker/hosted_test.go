// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismxr/authd/pkg/store"
)

func newHostedAgainst(t *testing.T, srv *httptest.Server) *Hosted {
	t.Helper()
	h, err := NewHosted(HostedConfig{
		BaseURL:  srv.URL,
		APIKey:   "sk_test_123",
		ClientID: "client_abc",
	})
	require.NoError(t, err)
	return h
}

func TestHosted_AuthorizationURL(t *testing.T) {
	t.Parallel()
	h, err := NewHosted(HostedConfig{
		BaseURL:  "https://api.broker.example",
		APIKey:   "sk",
		ClientID: "client_abc",
	})
	require.NoError(t, err)

	raw, err := h.AuthorizationURL(AuthorizeParams{
		ConnectionID:  "conn_123",
		LoginHint:     "ada@example.com",
		State:         "signed-state",
		CodeChallenge: "challenge",
		RedirectURI:   "https://auth.example.com/oauth/callback",
	})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/sso/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "conn_123", q.Get("connection"))
	assert.Equal(t, "ada@example.com", q.Get("login_hint"))
	assert.Equal(t, "signed-state", q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	// Provider instead of connection.
	raw, err = h.AuthorizationURL(AuthorizeParams{
		Provider: ProviderGoogle, State: "s", RedirectURI: "https://x/cb",
	})
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, string(ProviderGoogle), u.Query().Get("provider"))

	// Neither is an error.
	_, err = h.AuthorizationURL(AuthorizeParams{State: "s"})
	require.Error(t, err)
}

func TestHosted_ExchangeCode(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sso/token", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "broker-code", body["code"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"profile": map[string]any{
				"id":              "prof_1",
				"email":           "ada@example.com",
				"first_name":      "Ada",
				"last_name":       "Lovelace",
				"connection_id":   "conn_123",
				"connection_type": "GoogleOAuth",
			},
		})
	}))
	defer srv.Close()

	h := newHostedAgainst(t, srv)
	profile, err := h.ExchangeCode(context.Background(), "broker-code")
	require.NoError(t, err)
	assert.Equal(t, "prof_1", profile.ID)
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.Equal(t, "GoogleOAuth", profile.ConnectionType)
}

func TestHosted_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	h := newHostedAgainst(t, srv)
	_, err := h.ExchangeCode(context.Background(), "bad-code")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestHosted_ServerErrorRetriesThenUnavailable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newHostedAgainst(t, srv)
	err := h.CreateMagicAuth(context.Background(), "ada@example.com")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(hostedMaxTries), calls.Load())
}

func TestHosted_ServerErrorRecoversWithinBudget(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]any{"email": "ada@example.com", "first_name": "Ada"},
		})
	}))
	defer srv.Close()

	h := newHostedAgainst(t, srv)
	user, err := h.AuthenticateWithMagicAuth(context.Background(), "ada@example.com", "123456", "203.0.113.7", "ua")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProtocolForConnectionType(t *testing.T) {
	t.Parallel()
	cases := map[string]store.Protocol{
		"GoogleOAuth":    store.ProtocolGoogle,
		"MicrosoftOAuth": store.ProtocolMicrosoft,
		"AppleOAuth":     store.ProtocolApple,
		"MagicLink":      store.ProtocolMagicLink,
		"OktaSAML":       store.ProtocolSSO,
		"":               store.ProtocolSSO,
	}
	for connType, want := range cases {
		assert.Equal(t, want, ProtocolForConnectionType(connType), "type %q", connType)
	}
}

func TestProviderForName(t *testing.T) {
	t.Parallel()
	p, ok := ProviderForName("google")
	require.True(t, ok)
	assert.Equal(t, ProviderGoogle, p)

	_, ok = ProviderForName("facebook")
	assert.False(t, ok)
}
