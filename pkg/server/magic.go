// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/prismxr/authd/pkg/broker"
	"github.com/prismxr/authd/pkg/sessions"
	"github.com/prismxr/authd/pkg/store"
	"github.com/prismxr/authd/pkg/users"
)

var magicCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

// handleMagicAuth asks the broker to email a 6-digit code. The response
// is a generic success regardless of whether the email exists.
func (s *Server) handleMagicAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidEmail)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, codeInvalidEmail)
		return
	}

	if err := s.broker.CreateMagicAuth(r.Context(), email); err != nil {
		if errors.Is(err, broker.ErrUpstreamUnavailable) {
			writeError(w, http.StatusBadGateway, codeUpstreamUnavailable)
			return
		}
		// Existence and rate limiting are the broker's business; a
		// definitive broker rejection still looks like success.
		s.logger.Debug("magic auth create rejected", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleMagicVerify verifies a 6-digit code. PKCE-required clients get
// an authorization code to exchange at the token endpoint; web clients
// get tokens directly.
func (s *Server) handleMagicVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email         string `json:"email"`
		Code          string `json:"code"`
		ClientID      string `json:"client_id"`
		CodeChallenge string `json:"code_challenge"`
		RedirectURI   string `json:"redirect_uri"`
		DeviceID      string `json:"device_id"`
		Platform      string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(email, "@") || !magicCodePattern.MatchString(req.Code) {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	client := s.cfg.ClientByID(req.ClientID)
	if client == nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	if client.RequiresPKCE {
		if req.CodeChallenge == "" || req.RedirectURI == "" || !s.redirectURIAllowed(req.RedirectURI) {
			writeError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
	}

	verified, err := s.broker.AuthenticateWithMagicAuth(r.Context(), email, req.Code, r.RemoteAddr, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, broker.ErrUpstreamUnavailable):
			writeError(w, http.StatusBadGateway, codeUpstreamUnavailable)
		default:
			writeError(w, http.StatusBadRequest, codeInvalidCode)
		}
		return
	}

	user, err := s.linker.Link(r.Context(), users.Profile{
		Provider:  store.ProtocolMagicLink,
		Subject:   verified.Email,
		Email:     verified.Email,
		FirstName: verified.FirstName,
		LastName:  verified.LastName,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	web := req.Platform == "" || req.Platform == "web"
	if err := s.store.TouchLogin(r.Context(), user.ID, web, time.Now()); err != nil {
		s.logger.Warn("recording login time failed", "user_id", user.ID, "error", err)
	}
	loginsTotal.WithLabelValues(string(store.ProtocolMagicLink)).Inc()

	if client.RequiresPKCE {
		code, err := s.mintAuthCode(r, user.ID, req.ClientID, req.RedirectURI,
			req.CodeChallenge, store.ProtocolMagicLink, req.DeviceID, req.Platform)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"code": code})
		return
	}

	creds, err := s.sessions.Create(r.Context(), sessions.CreateParams{
		UserID:     user.ID,
		AuthMethod: store.ProtocolMagicLink,
		RemoteIP:   r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  creds.AccessToken,
		"refresh_token": creds.RefreshToken,
		"expires_at":    creds.ExpiresAt.Unix(),
	})
}
