// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prismxr/authd/pkg/broker"
	"github.com/prismxr/authd/pkg/sessions"
	"github.com/prismxr/authd/pkg/store"
)

// Canonical error codes on the HTTP surface. Clients never learn which of
// the underlying causes produced invalid_grant.
const (
	codeInvalidRequest        = "invalid_request"
	codeUnauthorizedClient    = "unauthorized_client"
	codeInvalidRedirectURI    = "invalid_redirect_uri"
	codeNoProvidersConfigured = "no_providers_configured"
	codeUnsupportedGrantType  = "unsupported_grant_type"
	codeInvalidGrant          = "invalid_grant"
	codeInvalidEmail          = "invalid_email"
	codeInvalidCode           = "invalid_code"
	codeInvalidState          = "invalid_state"
	codeInvalidSession        = "invalid_session"
	codeSignatureInvalid      = "signature_invalid"
	codeUpstreamUnavailable   = "upstream_unavailable"
	codeInternalError         = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// writeGrantError funnels every token-granting failure through one
// mapping so revoked, reused, expired and tampered credentials are
// indistinguishable to the caller.
func writeGrantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrRotationReuse):
		// Already counted and logged by the caller's path.
		writeError(w, http.StatusUnauthorized, codeInvalidGrant)
	case errors.Is(err, sessions.ErrInvalidRefreshToken),
		errors.Is(err, sessions.ErrSessionRevoked),
		errors.Is(err, sessions.ErrSessionExpired),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrCodeAlreadyUsed),
		errors.Is(err, store.ErrCodeExpired),
		errors.Is(err, store.ErrRedirectMismatch),
		errors.Is(err, store.ErrDeviceOwnerMismatch):
		writeError(w, http.StatusUnauthorized, codeInvalidGrant)
	case errors.Is(err, broker.ErrUpstreamUnavailable):
		writeError(w, http.StatusBadGateway, codeUpstreamUnavailable)
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternalError)
	}
}
