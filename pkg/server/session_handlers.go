// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/prismxr/authd/pkg/store"
)

// handleRefresh rotates a refresh token outside the OAuth surface, for
// native clients that never went through /oauth/token.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, codeInvalidGrant)
		return
	}

	creds, err := s.sessions.Rotate(r.Context(), req.RefreshToken, r.RemoteAddr, r.UserAgent())
	if err != nil {
		countRotationFailure(err)
		writeGrantError(w, err)
		return
	}
	tokenRotationsTotal.Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  creds.AccessToken,
		"refresh_token": creds.RefreshToken,
		"expires_at":    creds.ExpiresAt.Unix(),
	})
}

// handleLogout revokes the calling session.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if err := s.sessions.Revoke(r.Context(), claims.SessionID, store.RevokeReasonLogout); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleLogoutAll revokes every session of the calling user.
func (s *Server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	n, err := s.sessions.RevokeAllForUser(r.Context(), claims.UserID, store.RevokeReasonLogoutAll)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionsRevoked": n})
}
