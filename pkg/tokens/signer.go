// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the token signing surface of the service:
// RS256 access tokens, HMAC-signed opaque refresh tokens, tamper-proof
// state blobs, and PKCE verification.
package tokens

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

// DefaultAccessTokenTTL is the access-token lifetime when the config does
// not override it.
const DefaultAccessTokenTTL = 10 * time.Minute

// ClockSkew is the tolerance applied when validating exp/iat.
const ClockSkew = 60 * time.Second

// AccessClaims are the claims carried by an access token.
type AccessClaims struct {
	// UserID becomes the "sub" claim.
	UserID string
	// SessionID becomes the "sid" claim.
	SessionID string
	// DeviceID becomes the "did" claim; empty for web sessions.
	DeviceID string
}

// ErrInvalidAccessToken is returned for any access token that fails
// parsing or validation. The cause is deliberately not distinguished.
var ErrInvalidAccessToken = errors.New("invalid access token")

// Signer signs and verifies access tokens with an RSA key pair. The key id
// is derived from the public key and published in the JWK set; the
// verifier selects keys by kid.
type Signer struct {
	issuer    string
	audience  string
	ttl       time.Duration
	keyID     string
	signKey   jwk.Key
	verifySet jwk.Set
	publicSet jwk.Set
}

// NewSigner builds a Signer around an RSA private key. retired contains
// previously-active public keys that must remain resolvable in the JWK
// set so outstanding tokens can still be presented to third parties,
// though this Signer itself only ever signs under key.
func NewSigner(key *rsa.PrivateKey, issuer, audience string, ttl time.Duration, retired ...*rsa.PublicKey) (*Signer, error) {
	if issuer == "" || audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	kid, err := DeriveKeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	signKey, err := jwk.Import(key)
	if err != nil {
		return nil, fmt.Errorf("failed to import signing key: %w", err)
	}
	if err := signKey.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := signKey.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		return nil, err
	}

	verifySet := jwk.NewSet()
	publicSet := jwk.NewSet()

	pub, err := jwk.PublicKeyOf(signKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	if err := pub.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}
	if err := verifySet.AddKey(pub); err != nil {
		return nil, err
	}
	if err := publicSet.AddKey(pub); err != nil {
		return nil, err
	}

	// Retired keys are published for verification but never selected for
	// signing. Tokens signed under a key absent from the set fail.
	for _, r := range retired {
		rk, err := importPublicKey(r)
		if err != nil {
			return nil, err
		}
		if err := verifySet.AddKey(rk); err != nil {
			return nil, err
		}
		if err := publicSet.AddKey(rk); err != nil {
			return nil, err
		}
	}

	return &Signer{
		issuer:    issuer,
		audience:  audience,
		ttl:       ttl,
		keyID:     kid,
		signKey:   signKey,
		verifySet: verifySet,
		publicSet: publicSet,
	}, nil
}

func importPublicKey(pub *rsa.PublicKey) (jwk.Key, error) {
	kid, err := DeriveKeyID(pub)
	if err != nil {
		return nil, err
	}
	k, err := jwk.Import(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to import public key: %w", err)
	}
	if err := k.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := k.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		return nil, err
	}
	if err := k.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}
	return k, nil
}

// KeyID returns the kid under which new tokens are signed.
func (s *Signer) KeyID() string { return s.keyID }

// TTL returns the configured access-token lifetime.
func (s *Signer) TTL() time.Duration { return s.ttl }

// PublicJWKS returns the JWK set served at the key-set endpoint. The set
// marshals to the standard {"keys":[...]} document.
func (s *Signer) PublicJWKS() jwk.Set { return s.publicSet }

// SignAccessToken mints a signed access token for the given claims.
func (s *Signer) SignAccessToken(c AccessClaims) (string, error) {
	if c.UserID == "" || c.SessionID == "" {
		return "", errors.New("user id and session id are required")
	}

	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(s.issuer).
		Audience([]string{s.audience}).
		Subject(c.UserID).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Claim("sid", c.SessionID).
		Claim("did", c.DeviceID).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256(), s.signKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// VerifyAccessToken validates signature, expiry, issuer, and audience, and
// returns the embedded claims. All failures collapse into
// ErrInvalidAccessToken.
func (s *Signer) VerifyAccessToken(token string) (AccessClaims, error) {
	parsed, err := jwt.ParseString(token,
		jwt.WithKeySet(s.verifySet),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithAcceptableSkew(ClockSkew),
	)
	if err != nil {
		return AccessClaims{}, ErrInvalidAccessToken
	}

	sub, ok := parsed.Subject()
	if !ok || sub == "" {
		return AccessClaims{}, ErrInvalidAccessToken
	}

	var sid, did string
	if err := parsed.Get("sid", &sid); err != nil || sid == "" {
		return AccessClaims{}, ErrInvalidAccessToken
	}
	// did is optional; web sessions carry an empty device id.
	_ = parsed.Get("did", &did)

	return AccessClaims{UserID: sub, SessionID: sid, DeviceID: did}, nil
}
