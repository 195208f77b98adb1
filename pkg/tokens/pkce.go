// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/hmac"

	"golang.org/x/oauth2"
)

// PKCEMethodS256 is the only supported PKCE challenge method (RFC 7636).
const PKCEMethodS256 = "S256"

// VerifyPKCE checks a code_verifier against a stored S256 challenge:
// base64url(SHA-256(verifier)) == challenge, compared in constant time.
func VerifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return hmac.Equal([]byte(computed), []byte(challenge))
}

// GeneratePKCEVerifier returns a fresh RFC 7636 code_verifier. Used when
// this service acts as an OAuth client toward a direct OIDC broker.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge derives the S256 code_challenge for a verifier.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
