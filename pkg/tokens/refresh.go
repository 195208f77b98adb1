// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultRefreshTokenTTL is the absolute refresh-token lifetime when the
// config does not override it.
const DefaultRefreshTokenTTL = 30 * 24 * time.Hour

// MinSecretLength is the minimum length for HMAC secrets, per OWASP/NIST
// guidance for HS256-class constructions.
const MinSecretLength = 32

// ErrInvalidRefreshToken is returned for any refresh token that fails
// structural or signature checks.
var ErrInvalidRefreshToken = errors.New("invalid refresh token")

// RefreshMinter mints and verifies opaque refresh tokens of the shape
//
//	base64url(sid "." fid "." nonce) "." base64url(HMAC-SHA256(payload))
//
// The nonce makes every mint distinct, which is what lets rotation
// invalidate the previous token: the store indexes sessions by the hash
// of the latest token only. The plaintext is never stored; the session
// store indexes tokens by a salted SHA-256 hash computed with a secret
// independent of the signing secret.
type RefreshMinter struct {
	secret     []byte
	hashSecret []byte
}

// NewRefreshMinter builds a RefreshMinter. secret signs tokens; hashSecret
// salts the stored lookup hash. Both must be at least MinSecretLength
// bytes and must differ from the access-token key material.
func NewRefreshMinter(secret, hashSecret []byte) (*RefreshMinter, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("refresh secret must be at least %d bytes", MinSecretLength)
	}
	if len(hashSecret) < MinSecretLength {
		return nil, fmt.Errorf("refresh hash secret must be at least %d bytes", MinSecretLength)
	}
	return &RefreshMinter{secret: secret, hashSecret: hashSecret}, nil
}

// Mint produces a refresh token for (sessionID, familyID) and the hash
// under which the session store indexes it.
func (m *RefreshMinter) Mint(sessionID, familyID string) (token, hash string, err error) {
	if sessionID == "" || familyID == "" {
		return "", "", errors.New("session id and family id are required")
	}
	if strings.Contains(sessionID, ".") || strings.Contains(familyID, ".") {
		return "", "", errors.New("ids must not contain '.'")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generating nonce: %w", err)
	}

	payload := sessionID + "." + familyID + "." + base64.RawURLEncoding.EncodeToString(nonce)
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))

	token = base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return token, m.Hash(token), nil
}

// Verify checks the token's HMAC and returns the embedded session and
// family ids along with the storage hash of the presented token.
func (m *RefreshMinter) Verify(token string) (sessionID, familyID, hash string, err error) {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", "", ErrInvalidRefreshToken
	}

	// Strict decoding rejects non-canonical encodings; otherwise a token
	// with a flipped trailing bit would decode to the same bytes, pass the
	// HMAC, and hash to a different storage index.
	payload, err := base64.RawURLEncoding.Strict().DecodeString(payloadB64)
	if err != nil {
		return "", "", "", ErrInvalidRefreshToken
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(sigB64)
	if err != nil {
		return "", "", "", ErrInvalidRefreshToken
	}

	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", "", "", ErrInvalidRefreshToken
	}

	parts := strings.Split(string(payload), ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", ErrInvalidRefreshToken
	}
	return parts[0], parts[1], m.Hash(token), nil
}

// Hash computes the salted SHA-256 index hash of a token.
func (m *RefreshMinter) Hash(token string) string {
	mac := hmac.New(sha256.New, m.hashSecret)
	mac.Write([]byte(token))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
