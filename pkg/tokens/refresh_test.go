// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRefreshMinter(t *testing.T) *RefreshMinter {
	t.Helper()
	m, err := NewRefreshMinter(
		[]byte("0123456789abcdef0123456789abcdef"),
		[]byte("fedcba9876543210fedcba9876543210"),
	)
	require.NoError(t, err)
	return m
}

func TestRefreshMinter_RoundTrip(t *testing.T) {
	t.Parallel()
	m := testRefreshMinter(t)

	token, hash, err := m.Mint("sess-1", "fam-1")
	require.NoError(t, err)
	assert.NotContains(t, token, "sess-1", "payload must be encoded, not plaintext")

	sid, fid, gotHash, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sid)
	assert.Equal(t, "fam-1", fid)
	assert.Equal(t, hash, gotHash)
}

func TestRefreshMinter_MintsAreDistinct(t *testing.T) {
	t.Parallel()
	m := testRefreshMinter(t)

	// Rotation relies on every mint producing a distinct token: the store
	// keeps only the latest hash, so the old token must stop matching.
	t1, h1, err := m.Mint("sess-1", "fam-1")
	require.NoError(t, err)
	t2, h2, err := m.Mint("sess-1", "fam-1")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
	assert.NotEqual(t, h1, h2)
}

func TestRefreshMinter_RejectsTampering(t *testing.T) {
	t.Parallel()
	m := testRefreshMinter(t)
	token, _, err := m.Mint("sess-1", "fam-1")
	require.NoError(t, err)

	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			continue
		}
		mutated := []byte(token)
		mutated[i] ^= 0x01
		_, _, _, err := m.Verify(string(mutated))
		assert.ErrorIs(t, err, ErrInvalidRefreshToken, "flip at offset %d must fail", i)
	}
}

func TestRefreshMinter_RejectsForeignSecret(t *testing.T) {
	t.Parallel()
	m := testRefreshMinter(t)
	token, _, err := m.Mint("sess-1", "fam-1")
	require.NoError(t, err)

	other, err := NewRefreshMinter(
		[]byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"),
		[]byte("fedcba9876543210fedcba9876543210"),
	)
	require.NoError(t, err)
	_, _, _, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshMinter_RejectsMalformed(t *testing.T) {
	t.Parallel()
	m := testRefreshMinter(t)

	for _, token := range []string{"", "nodot", "a.b.c!", "!!!.###"} {
		_, _, _, err := m.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidRefreshToken, "token %q", token)
	}
}

func TestRefreshMinter_ShortSecretRejected(t *testing.T) {
	t.Parallel()
	_, err := NewRefreshMinter([]byte("short"), []byte("fedcba9876543210fedcba9876543210"))
	require.Error(t, err)
	_, err = NewRefreshMinter([]byte("0123456789abcdef0123456789abcdef"), []byte("short"))
	require.Error(t, err)
}

func TestRefreshMinter_IDsWithDotRejected(t *testing.T) {
	t.Parallel()
	m := testRefreshMinter(t)
	_, _, err := m.Mint("sess.1", "fam-1")
	require.Error(t, err)
}

func TestRefreshMinter_HashIsSalted(t *testing.T) {
	t.Parallel()
	m := testRefreshMinter(t)
	token, hash, err := m.Mint("sess-1", "fam-1")
	require.NoError(t, err)

	// The hash must depend on the hash secret, not just the token bytes.
	other, err := NewRefreshMinter(
		[]byte("0123456789abcdef0123456789abcdef"),
		[]byte("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"),
	)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other.Hash(token))
	assert.False(t, strings.Contains(hash, token))
}
