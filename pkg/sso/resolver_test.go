// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package sso

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismxr/authd/pkg/store"
	"github.com/prismxr/authd/pkg/store/sqlite"
)

func newTestResolver(t *testing.T) (*Resolver, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "authd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewResolver(st), st
}

func seedConnection(t *testing.T, st *sqlite.Store, id string, enabled bool) {
	t.Helper()
	require.NoError(t, st.UpsertAuthConnection(context.Background(), &store.AuthConnection{
		ID:           id,
		ConnectionID: "broker_" + id,
		Protocol:     store.ProtocolSSO,
		Enabled:      enabled,
	}))
}

func seedDomain(t *testing.T, st *sqlite.Store, domain, connID, pattern string) {
	t.Helper()
	require.NoError(t, st.UpsertSSODomain(context.Background(), &store.SSODomain{
		Domain:       domain,
		ConnectionID: connID,
		EmailPattern: pattern,
		Enabled:      true,
	}))
}

func TestResolver_ExactDomainMatch(t *testing.T) {
	t.Parallel()
	r, st := newTestResolver(t)
	seedConnection(t, st, "conn_nyu", true)
	seedDomain(t, st, "nyu.edu", "conn_nyu", "")

	res, err := r.Resolve(context.Background(), "ab1234@nyu.edu")
	require.NoError(t, err)
	require.True(t, res.IsEnterprise)
	assert.Equal(t, "conn_nyu", res.Connection.ID)
	assert.Equal(t, "nyu.edu", res.Domain)
}

func TestResolver_ParentDomainFallback(t *testing.T) {
	t.Parallel()
	r, st := newTestResolver(t)
	seedConnection(t, st, "conn_nyu", true)
	seedDomain(t, st, "nyu.edu", "conn_nyu", "")

	res, err := r.Resolve(context.Background(), "ab1234@stern.nyu.edu")
	require.NoError(t, err)
	require.True(t, res.IsEnterprise)
	assert.Equal(t, "nyu.edu", res.Domain)

	// A more specific mapping wins over the parent.
	seedConnection(t, st, "conn_stern", true)
	seedDomain(t, st, "stern.nyu.edu", "conn_stern", "")
	res, err = r.Resolve(context.Background(), "ab1234@stern.nyu.edu")
	require.NoError(t, err)
	require.True(t, res.IsEnterprise)
	assert.Equal(t, "conn_stern", res.Connection.ID)
}

func TestResolver_NoMatchIsNotEnterprise(t *testing.T) {
	t.Parallel()
	r, _ := newTestResolver(t)

	res, err := r.Resolve(context.Background(), "someone@gmail.com")
	require.NoError(t, err)
	assert.False(t, res.IsEnterprise)
	assert.Nil(t, res.Connection)
}

func TestResolver_MalformedEmail(t *testing.T) {
	t.Parallel()
	r, _ := newTestResolver(t)

	for _, email := range []string{"", "no-at-sign", "trailing@", "@"} {
		res, err := r.Resolve(context.Background(), email)
		require.NoError(t, err, "email %q", email)
		assert.False(t, res.IsEnterprise, "email %q", email)
	}
}

func TestResolver_NormalizesCase(t *testing.T) {
	t.Parallel()
	r, st := newTestResolver(t)
	seedConnection(t, st, "conn_nyu", true)
	seedDomain(t, st, "nyu.edu", "conn_nyu", "")

	res, err := r.Resolve(context.Background(), "  AB1234@NYU.EDU  ")
	require.NoError(t, err)
	assert.True(t, res.IsEnterprise)
}

func TestResolver_EmailPattern(t *testing.T) {
	t.Parallel()
	r, st := newTestResolver(t)
	seedConnection(t, st, "conn_nyu", true)
	seedDomain(t, st, "nyu.edu", "conn_nyu", `^[a-z]{2,3}[0-9]{4}@nyu\.edu$`)

	res, err := r.Resolve(context.Background(), "ab1234@nyu.edu")
	require.NoError(t, err)
	assert.True(t, res.IsEnterprise)

	// Pattern mismatch falls back to non-enterprise.
	res, err = r.Resolve(context.Background(), "guest@nyu.edu")
	require.NoError(t, err)
	assert.False(t, res.IsEnterprise)

	// Case-insensitive against the normalized email.
	res, err = r.Resolve(context.Background(), "AB1234@nyu.edu")
	require.NoError(t, err)
	assert.True(t, res.IsEnterprise)
}

func TestResolver_InvalidPatternIgnored(t *testing.T) {
	t.Parallel()
	r, st := newTestResolver(t)
	seedConnection(t, st, "conn_nyu", true)
	seedDomain(t, st, "nyu.edu", "conn_nyu", "([unclosed")

	res, err := r.Resolve(context.Background(), "anyone@nyu.edu")
	require.NoError(t, err)
	assert.True(t, res.IsEnterprise, "broken pattern must behave like no pattern")
}

func TestResolver_DisabledOrMissingConnection(t *testing.T) {
	t.Parallel()
	r, st := newTestResolver(t)

	seedConnection(t, st, "conn_off", false)
	seedDomain(t, st, "off.example.com", "conn_off", "")
	res, err := r.Resolve(context.Background(), "x@off.example.com")
	require.NoError(t, err)
	assert.False(t, res.IsEnterprise)

	seedDomain(t, st, "dangling.example.com", "conn_gone", "")
	res, err = r.Resolve(context.Background(), "x@dangling.example.com")
	require.NoError(t, err)
	assert.False(t, res.IsEnterprise)
}
