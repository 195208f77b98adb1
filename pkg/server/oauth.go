// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prismxr/authd/pkg/broker"
	"github.com/prismxr/authd/pkg/sessions"
	"github.com/prismxr/authd/pkg/store"
	"github.com/prismxr/authd/pkg/tokens"
	"github.com/prismxr/authd/pkg/users"
)

// randomCode returns a 32-byte random credential, base64url-encoded.
func randomCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// deviceTypeForPlatform classifies a client-reported platform string.
func deviceTypeForPlatform(platform string) store.DeviceType {
	switch strings.ToLower(platform) {
	case "windows", "macos", "linux":
		return store.DeviceTypeDesktop
	case "quest", "visionos", "xr":
		return store.DeviceTypeXR
	case "ios", "android":
		return store.DeviceTypeMobile
	default:
		return store.DeviceTypeWeb
	}
}

// handleAuthorize validates the authorization request, resolves the
// broker connection, and redirects the user agent to the broker.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("response_type") != "code" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	clientID := q.Get("client_id")
	if clientID == "" || s.cfg.ClientByID(clientID) == nil {
		writeError(w, http.StatusBadRequest, codeUnauthorizedClient)
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !s.redirectURIAllowed(redirectURI) {
		writeError(w, http.StatusBadRequest, codeInvalidRedirectURI)
		return
	}
	challenge := q.Get("code_challenge")
	if challenge == "" || q.Get("code_challenge_method") != tokens.PKCEMethodS256 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}
	clientState := q.Get("state")
	if clientState == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	params := broker.AuthorizeParams{
		RedirectURI: s.cfg.Issuer + "/oauth/callback",
	}
	st := tokens.State{
		RedirectURI:   redirectURI,
		CodeChallenge: challenge,
		ClientID:      clientID,
		DeviceID:      q.Get("device_id"),
		Platform:      q.Get("platform"),
		Nonce:         clientState,
	}

	loginHint := strings.TrimSpace(q.Get("login_hint"))
	connectionID := q.Get("connection_id")
	providerName := q.Get("provider")

	resolved := false
	switch {
	case loginHint != "" && strings.Contains(loginHint, "@") && connectionID == "" && providerName == "":
		res, err := s.resolver.Resolve(r.Context(), loginHint)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError)
			return
		}
		params.LoginHint = loginHint
		if res.IsEnterprise {
			params.ConnectionID = res.Connection.ConnectionID
			st.ConnectionID = res.Connection.ID
			resolved = true
		}

	case connectionID != "":
		conn, err := s.store.GetAuthConnection(r.Context(), connectionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, codeInternalError)
			return
		}
		if err == nil && conn.Enabled {
			params.ConnectionID = conn.ConnectionID
			st.ConnectionID = conn.ID
			resolved = true
		}

	case providerName != "":
		provider, ok := broker.ProviderForName(providerName)
		if !ok {
			writeError(w, http.StatusBadRequest, codeInvalidRequest)
			return
		}
		params.Provider = provider
		st.Provider = string(provider)
		resolved = true
	}

	if !resolved {
		// Fall back to the first configured social provider.
		if len(s.cfg.Providers) == 0 {
			writeError(w, http.StatusBadRequest, codeNoProvidersConfigured)
			return
		}
		provider, ok := broker.ProviderForName(s.cfg.Providers[0])
		if !ok {
			writeError(w, http.StatusBadRequest, codeNoProvidersConfigured)
			return
		}
		params.Provider = provider
		st.Provider = string(provider)
	}

	signedState, err := s.states.Sign(st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	params.State = signedState

	authURL, err := s.broker.AuthorizationURL(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback receives the broker's post-login redirect, links
// the user, and redirects back to the client with a fresh authorization
// code.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	rawState := q.Get("state")
	if code == "" || rawState == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	st, err := s.states.Verify(rawState)
	if err != nil {
		securityEventsTotal.WithLabelValues(eventStateTampering).Inc()
		s.logger.Warn("state verification failed", "error", err)
		s.redirectStateError(w, r, rawState)
		return
	}

	profile, err := s.broker.ExchangeCode(r.Context(), code)
	if err != nil {
		s.redirectError(w, r, st.RedirectURI, "access_denied", st.Nonce)
		return
	}

	protocol := s.protocolFor(st, profile)
	user, err := s.linker.Link(r.Context(), users.Profile{
		Provider:   protocol,
		Subject:    profile.ID,
		Email:      profile.Email,
		FirstName:  profile.FirstName,
		LastName:   profile.LastName,
		Attributes: profile.RawAttributes,
	})
	if err != nil {
		s.redirectError(w, r, st.RedirectURI, "access_denied", st.Nonce)
		return
	}

	authCode, err := s.mintAuthCode(r, user.ID, st.ClientID, st.RedirectURI,
		st.CodeChallenge, protocol, st.DeviceID, st.Platform)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}

	loginsTotal.WithLabelValues(string(protocol)).Inc()

	target, err := url.Parse(st.RedirectURI)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternalError)
		return
	}
	tq := target.Query()
	tq.Set("code", authCode)
	tq.Set("state", st.Nonce)
	target.RawQuery = tq.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// protocolFor derives the protocol tag for a completed login.
func (s *Server) protocolFor(st tokens.State, profile *broker.Profile) store.Protocol {
	if st.ConnectionID != "" || profile.ConnectionType != "" {
		return broker.ProtocolForConnectionType(profile.ConnectionType)
	}
	return broker.ProtocolForConnectionType(st.Provider)
}

// mintAuthCode persists a fresh single-use authorization code.
func (s *Server) mintAuthCode(r *http.Request, userID, clientID, redirectURI, challenge string, method store.Protocol, deviceID, platform string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", err
	}
	err = s.store.InsertAuthCode(r.Context(), &store.AuthorizationCode{
		ID:              code,
		UserID:          userID,
		ClientID:        clientID,
		RedirectURI:     redirectURI,
		CodeChallenge:   challenge,
		ChallengeMethod: tokens.PKCEMethodS256,
		AuthMethod:      method,
		DeviceID:        deviceID,
		Platform:        platform,
		ExpiresAt:       time.Now().Add(s.cfg.AuthCodeTTL),
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// redirectStateError handles a failed state verification. The unverified
// payload's redirect is only trusted as far as the allowlist allows;
// otherwise the error is returned directly.
func (s *Server) redirectStateError(w http.ResponseWriter, r *http.Request, rawState string) {
	if payload, _, ok := strings.Cut(rawState, "."); ok {
		if decoded, err := base64.RawURLEncoding.DecodeString(payload); err == nil {
			var st tokens.State
			if err := json.Unmarshal(decoded, &st); err == nil && s.redirectURIAllowed(st.RedirectURI) {
				s.redirectError(w, r, st.RedirectURI, codeInvalidState, st.Nonce)
				return
			}
		}
	}
	writeError(w, http.StatusBadRequest, codeInvalidState)
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, errCode, nonce string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, errCode)
		return
	}
	q := target.Query()
	q.Set("error", errCode)
	if nonce != "" {
		q.Set("state", nonce)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleToken implements the token endpoint's two grant types.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.tokenAuthorizationCode(w, r)
	case "refresh_token":
		s.tokenRefresh(w, r, r.PostForm.Get("refresh_token"))
	default:
		writeError(w, http.StatusBadRequest, codeUnsupportedGrantType)
	}
}

func (s *Server) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	verifier := r.PostForm.Get("code_verifier")
	if code == "" || redirectURI == "" || verifier == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	authCode, err := s.store.ConsumeAuthCode(r.Context(), code, redirectURI)
	if err != nil {
		writeGrantError(w, err)
		return
	}

	// The code is burned at this point; a wrong verifier cannot be retried.
	if !tokens.VerifyPKCE(verifier, authCode.CodeChallenge) {
		writeError(w, http.StatusUnauthorized, codeInvalidGrant)
		return
	}

	creds, err := s.createSessionForCode(r, authCode)
	if err != nil {
		writeGrantError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  creds.AccessToken,
		"refresh_token": creds.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    creds.ExpiresIn,
	})
}

func (s *Server) createSessionForCode(r *http.Request, authCode *store.AuthorizationCode) (*sessions.Credentials, error) {
	var device *store.Device
	if authCode.DeviceID != "" {
		device = &store.Device{
			ID:       authCode.DeviceID,
			Type:     deviceTypeForPlatform(authCode.Platform),
			Platform: authCode.Platform,
		}
	}
	return s.sessions.Create(r.Context(), sessions.CreateParams{
		UserID:     authCode.UserID,
		Device:     device,
		AuthMethod: authCode.AuthMethod,
		RemoteIP:   r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
}

func (s *Server) tokenRefresh(w http.ResponseWriter, r *http.Request, refreshToken string) {
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest)
		return
	}

	creds, err := s.sessions.Rotate(r.Context(), refreshToken, r.RemoteAddr, r.UserAgent())
	if err != nil {
		countRotationFailure(err)
		writeGrantError(w, err)
		return
	}
	tokenRotationsTotal.Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  creds.AccessToken,
		"refresh_token": creds.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    creds.ExpiresIn,
	})
}

// handleJWKS serves the public key set.
func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.signer.PublicJWKS())
}
