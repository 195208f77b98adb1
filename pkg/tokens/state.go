// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultStateTTL bounds how long a signed state blob stays valid while
// the user is at the broker.
const DefaultStateTTL = 15 * time.Minute

// ErrInvalidState is returned when a state blob fails decoding or
// signature verification. Any bit flip in either half produces it.
var ErrInvalidState = errors.New("invalid state")

// State is the payload round-tripped through the broker redirect. Nonce
// is the caller's own state value, echoed back unchanged so the client's
// CSRF token survives the round-trip.
type State struct {
	RedirectURI   string `json:"redirect_uri"`
	CodeChallenge string `json:"code_challenge"`
	ClientID      string `json:"client_id"`
	Provider      string `json:"provider,omitempty"`
	ConnectionID  string `json:"connection_id,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
	Platform      string `json:"platform,omitempty"`
	Nonce         string `json:"nonce"`
	IssuedAt      int64  `json:"iat"`
}

// StateSigner tamper-proofs redirect state with the same HMAC
// construction as refresh tokens, under its own secret.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewStateSigner builds a StateSigner. ttl bounds state validity; zero
// means DefaultStateTTL.
func NewStateSigner(secret []byte, ttl time.Duration) (*StateSigner, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("state secret must be at least %d bytes", MinSecretLength)
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{secret: secret, ttl: ttl}, nil
}

// Sign serializes and signs the state:
// base64url(json) "." base64url(HMAC-SHA256(json)).
func (s *StateSigner) Sign(st State) (string, error) {
	if st.IssuedAt == 0 {
		st.IssuedAt = time.Now().Unix()
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return base64.RawURLEncoding.EncodeToString(payload) +
		"." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks the signature and freshness and returns the payload.
func (s *StateSigner) Verify(blob string) (State, error) {
	payloadB64, sigB64, ok := strings.Cut(blob, ".")
	if !ok {
		return State{}, ErrInvalidState
	}

	// Strict decoding rejects non-canonical encodings, so malleable
	// trailing bits cannot produce an accepted variant of a signed blob.
	payload, err := base64.RawURLEncoding.Strict().DecodeString(payloadB64)
	if err != nil {
		return State{}, ErrInvalidState
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(sigB64)
	if err != nil {
		return State{}, ErrInvalidState
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return State{}, ErrInvalidState
	}

	var st State
	if err := json.Unmarshal(payload, &st); err != nil {
		return State{}, ErrInvalidState
	}
	if time.Since(time.Unix(st.IssuedAt, 0)) > s.ttl {
		return State{}, ErrInvalidState
	}
	return st, nil
}
