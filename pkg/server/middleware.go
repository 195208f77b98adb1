// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/prismxr/authd/pkg/tokens"
)

type contextKey string

const claimsKey contextKey = "access-claims"

// requireAuth validates the bearer access token and the live session
// behind it. When both the token and the X-Device-ID header carry a
// device id they must agree.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, codeInvalidSession)
			return
		}

		claims, err := s.signer.VerifyAccessToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeInvalidSession)
			return
		}

		if deviceID := r.Header.Get("X-Device-ID"); deviceID != "" && claims.DeviceID != "" && deviceID != claims.DeviceID {
			writeError(w, http.StatusUnauthorized, codeInvalidSession)
			return
		}

		live, err := s.sessions.Validate(r.Context(), claims.SessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternalError)
			return
		}
		if !live {
			writeError(w, http.StatusUnauthorized, codeInvalidSession)
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func claimsFrom(ctx context.Context) tokens.AccessClaims {
	claims, _ := ctx.Value(claimsKey).(tokens.AccessClaims)
	return claims
}
