// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/prismxr/authd/pkg/sessions"
	"github.com/prismxr/authd/pkg/store"
)

// handleHandoffInitiate starts the browser-to-device flow: the device
// gets a poll token and the login URL to open in the system browser.
func (s *Server) handleHandoffInitiate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	if err := s.store.DeleteUnusedHandoffCodes(r.Context(), req.DeviceID); err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	pollToken, err := randomCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	authURL, err := url.Parse(s.cfg.Issuer + "/login")
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	q := authURL.Query()
	q.Set("device_id", req.DeviceID)
	q.Set("poll_token", pollToken)
	authURL.RawQuery = q.Encode()

	writeJSON(w, http.StatusOK, map[string]any{
		"authUrl":   authURL.String(),
		"deviceId":  req.DeviceID,
		"pollToken": pollToken,
	})
}

// handleLogin trampolines the browser to the web sign-in UI, preserving
// the handoff parameters and forcing a fresh login.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	target, err := url.Parse(s.cfg.WebLoginURL)
	if err != nil || s.cfg.WebLoginURL == "" {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	q := target.Query()
	if deviceID := r.URL.Query().Get("device_id"); deviceID != "" {
		q.Set("device_id", deviceID)
	}
	if pollToken := r.URL.Query().Get("poll_token"); pollToken != "" {
		q.Set("poll_token", pollToken)
	}
	q.Set("prompt", "login")
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleBrowserCallback is called by the web UI after the browser login
// completed. It stores a fresh handoff code for the device to pick up.
// The caller authenticates with its own web session's bearer token.
func (s *Server) handleBrowserCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID  string `json:"device_id"`
		PollToken string `json:"poll_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" || req.PollToken == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	claims := claimsFrom(r.Context())
	if claims.UserID == "" {
		writeError(w, http.StatusUnauthorized, codeInvalidSession)
		return
	}

	code, err := randomCode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	expiresAt := time.Now().Add(s.cfg.HandoffCodeTTL)
	err = s.store.ReplaceHandoffCode(r.Context(), &store.HandoffCode{
		Code:              code,
		PollToken:         req.PollToken,
		UserID:            claims.UserID,
		DeviceID:          req.DeviceID,
		ExternalSessionID: claims.SessionID,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"code":      code,
		"deepLink":  s.cfg.AppScheme + "://auth/callback?code=" + url.QueryEscape(code),
		"expiresAt": expiresAt.Unix(),
	})
}

// handleHandoffPoll reports whether a handoff code is ready. A wrong
// poll token is indistinguishable from no code.
func (s *Server) handleHandoffPoll(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	pollToken := r.URL.Query().Get("poll_token")
	if deviceID == "" || pollToken == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	code, err := s.store.GetHandoffByPoll(r.Context(), deviceID, pollToken)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	if !code.ExpiresAt.After(time.Now()) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "expired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "code": code.Code})
}

// handleDeviceToken redeems a handoff code for a device session.
func (s *Server) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-ID")
	var req struct {
		Code     string `json:"code"`
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" || deviceID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	handoff, err := s.store.ConsumeHandoffCode(r.Context(), req.Code, deviceID)
	if err != nil {
		writeGrantError(w, err)
		return
	}

	user, err := s.store.GetUser(r.Context(), handoff.UserID)
	if err != nil {
		writeGrantError(w, err)
		return
	}

	creds, err := s.sessions.Create(r.Context(), sessions.CreateParams{
		UserID: user.ID,
		Device: &store.Device{
			ID:       deviceID,
			Type:     deviceTypeForPlatform(req.Platform),
			Platform: req.Platform,
		},
		AuthMethod: store.ProtocolSSO,
		RemoteIP:   r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	if err != nil {
		writeGrantError(w, err)
		return
	}

	if err := s.store.TouchLogin(r.Context(), user.ID, false, time.Now()); err != nil {
		s.logger.Warn("recording login time failed", "user_id", user.ID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  creds.AccessToken,
		"refresh_token": creds.RefreshToken,
		"expires_at":    creds.ExpiresAt.Unix(),
		"user": map[string]any{
			"id":         user.ID,
			"email":      user.Email,
			"first_name": user.FirstName,
			"last_name":  user.LastName,
		},
	})
}
