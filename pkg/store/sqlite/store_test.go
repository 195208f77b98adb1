// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismxr/authd/pkg/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "authd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testUser(t *testing.T, s *Store, email string) *store.User {
	t.Helper()
	u := &store.User{ID: uuid.New().String(), Email: email}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func TestUsers_CreateAssignsID(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	first := &store.User{Email: "alice@example.com"}
	require.NoError(t, s.CreateUser(ctx, first))
	assert.NotEmpty(t, first.ID)

	second := &store.User{Email: "bob@example.com"}
	require.NoError(t, s.CreateUser(ctx, second))
	assert.NotEmpty(t, second.ID)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := s.GetUser(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
}

func TestUsers_EmailUniqueAmongLive(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	u := testUser(t, s, "alice@example.com")
	err := s.CreateUser(ctx, &store.User{ID: uuid.New().String(), Email: "alice@example.com"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	// Soft-delete frees the email for a fresh row.
	now := time.Now()
	u.DeletedAt = &now
	require.NoError(t, s.UpdateUser(ctx, u))
	require.NoError(t, s.CreateUser(ctx, &store.User{ID: uuid.New().String(), Email: "alice@example.com"}))

	// The soft-deleted row is invisible to GetUser but reachable by email
	// lookup with includeDeleted.
	_, err = s.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	live, err := s.GetUserByEmail(ctx, "alice@example.com", true)
	require.NoError(t, err)
	assert.Nil(t, live.DeletedAt, "live row preferred over soft-deleted")
}

func TestUsers_TouchLogin(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s, "bob@example.com")

	at := time.Now()
	require.NoError(t, s.TouchLogin(ctx, u.ID, true, at))
	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastWebLoginAt)
	assert.WithinDuration(t, at, *got.LastWebLoginAt, time.Second)
	assert.Nil(t, got.LastAppLoginAt)
}

func TestIdentities_UpsertNeverMovesUser(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u1 := testUser(t, s, "one@example.com")
	u2 := testUser(t, s, "two@example.com")

	require.NoError(t, s.UpsertIdentity(ctx, &store.Identity{
		UserID: u1.ID, Provider: store.ProtocolGoogle, ProviderSubject: "goog-1",
		Email: "one@example.com",
	}))

	// Same (provider, subject) with a different user id only refreshes
	// email/attributes.
	require.NoError(t, s.UpsertIdentity(ctx, &store.Identity{
		UserID: u2.ID, Provider: store.ProtocolGoogle, ProviderSubject: "goog-1",
		Email: "renamed@example.com", Attributes: map[string]any{"hd": "example.com"},
	}))

	got, err := s.GetIdentity(ctx, store.ProtocolGoogle, "goog-1")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, got.UserID)
	assert.Equal(t, "renamed@example.com", got.Email)
	assert.Equal(t, "example.com", got.Attributes["hd"])
}

func TestDevices_NeverReusedAcrossUsers(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u1 := testUser(t, s, "one@example.com")
	u2 := testUser(t, s, "two@example.com")

	require.NoError(t, s.UpsertDevice(ctx, &store.Device{
		ID: "dev-abc", UserID: u1.ID, Type: store.DeviceTypeXR, Platform: "quest",
	}))
	err := s.UpsertDevice(ctx, &store.Device{ID: "dev-abc", UserID: u2.ID, Type: store.DeviceTypeXR})
	assert.ErrorIs(t, err, store.ErrDeviceOwnerMismatch)

	// Re-upsert by the owner reactivates a revoked device.
	require.NoError(t, s.RevokeDevice(ctx, "dev-abc", time.Now()))
	require.NoError(t, s.UpsertDevice(ctx, &store.Device{ID: "dev-abc", UserID: u1.ID, Type: store.DeviceTypeXR}))
	d, err := s.GetDevice(ctx, "dev-abc")
	require.NoError(t, err)
	assert.True(t, d.Active)
	assert.Nil(t, d.RevokedAt)
}

func newSession(u *store.User, deviceID, hash string) *store.Session {
	return &store.Session{
		ID:               uuid.New().String(),
		UserID:           u.ID,
		DeviceID:         deviceID,
		RefreshTokenHash: hash,
		FamilyID:         uuid.New().String(),
		AuthMethod:       store.ProtocolGoogle,
		ExpiresAt:        time.Now().Add(30 * 24 * time.Hour),
	}
}

func TestSessions_CreateRevokesPrior(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s, "alice@example.com")
	dev := &store.Device{ID: "dev-abc", UserID: u.ID, Type: store.DeviceTypeDesktop}

	first := newSession(u, "dev-abc", "hash-1")
	require.NoError(t, s.CreateSession(ctx, first, dev))

	second := newSession(u, "dev-abc", "hash-2")
	require.NoError(t, s.CreateSession(ctx, second, dev))

	got, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, store.RevokeReasonNewSession, got.RevokeReason)

	live, err := s.GetSession(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, live.RevokedAt)
}

func TestSessions_SwapRefreshHashSingleWinner(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s, "alice@example.com")
	sess := newSession(u, "", "hash-old")
	require.NoError(t, s.CreateSession(ctx, sess, nil))

	var wg sync.WaitGroup
	wins := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SwapRefreshHash(ctx, sess.ID, "hash-old", "hash-new-"+uuid.New().String(), time.Now(), "", "")
			require.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one rotation may win")
}

func TestSessions_RevokeFirstWriterWins(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s, "alice@example.com")
	sess := newSession(u, "", "h")
	require.NoError(t, s.CreateSession(ctx, sess, nil))

	require.NoError(t, s.RevokeSession(ctx, sess.ID, store.RevokeReasonRotationReuse))
	require.NoError(t, s.RevokeSession(ctx, sess.ID, store.RevokeReasonLogout))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RevokeReasonRotationReuse, got.RevokeReason)

	// Swapping the hash on a revoked session never succeeds.
	ok, err := s.SwapRefreshHash(ctx, sess.ID, "h", "h2", time.Now(), "", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessions_PurgeExpired(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s, "alice@example.com")

	stale := newSession(u, "", "h1")
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, stale, nil))
	require.NoError(t, s.RevokeSession(ctx, stale.ID, store.RevokeReasonExpired))

	live := newSession(u, "", "h2")
	require.NoError(t, s.CreateSession(ctx, live, nil))

	n, err := s.PurgeExpiredSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetSession(ctx, stale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetSession(ctx, live.ID)
	assert.NoError(t, err)
}

func newAuthCode(u *store.User) *store.AuthorizationCode {
	return &store.AuthorizationCode{
		ID:              uuid.New().String(),
		UserID:          u.ID,
		ClientID:        "app-web",
		RedirectURI:     "http://127.0.0.1:54321/callback",
		CodeChallenge:   "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		ChallengeMethod: "S256",
		AuthMethod:      store.ProtocolGoogle,
		ExpiresAt:       time.Now().Add(10 * time.Minute),
	}
}

func TestAuthCodes_SingleUse(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s, "alice@example.com")
	code := newAuthCode(u)
	require.NoError(t, s.InsertAuthCode(ctx, code))

	got, err := s.ConsumeAuthCode(ctx, code.ID, code.RedirectURI)
	require.NoError(t, err)
	require.NotNil(t, got.UsedAt)

	_, err = s.ConsumeAuthCode(ctx, code.ID, code.RedirectURI)
	assert.ErrorIs(t, err, store.ErrCodeAlreadyUsed)
}

func TestAuthCodes_ConcurrentConsumptionOneWinner(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s, "alice@example.com")
	code := newAuthCode(u)
	require.NoError(t, s.InsertAuthCode(ctx, code))

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumeAuthCode(ctx, code.ID, code.RedirectURI)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, reuses int
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			require.ErrorIs(t, err, store.ErrCodeAlreadyUsed)
			reuses++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, reuses)
}

func TestAuthCodes_ExpiryAndRedirect(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	u := testUser(t, s, "alice@example.com")

	expired := newAuthCode(u)
	expired.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, s.InsertAuthCode(ctx, expired))
	_, err := s.ConsumeAuthCode(ctx, expired.ID, expired.RedirectURI)
	assert.ErrorIs(t, err, store.ErrCodeExpired)

	code := newAuthCode(u)
	require.NoError(t, s.InsertAuthCode(ctx, code))
	_, err = s.ConsumeAuthCode(ctx, code.ID, "https://evil.example.com/cb")
	assert.ErrorIs(t, err, store.ErrRedirectMismatch)

	// The mismatch did not burn the code.
	_, err = s.ConsumeAuthCode(ctx, code.ID, code.RedirectURI)
	assert.NoError(t, err)

	_, err = s.ConsumeAuthCode(ctx, "no-such-code", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func newHandoff(deviceID string) *store.HandoffCode {
	return &store.HandoffCode{
		Code:      uuid.New().String(),
		PollToken: uuid.New().String(),
		DeviceID:  deviceID,
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}
}

func TestHandoff_ReplaceDropsStaleCodes(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	first := newHandoff("dev-abc")
	require.NoError(t, s.ReplaceHandoffCode(ctx, first))
	second := newHandoff("dev-abc")
	require.NoError(t, s.ReplaceHandoffCode(ctx, second))

	_, err := s.GetHandoffByPoll(ctx, "dev-abc", first.PollToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.GetHandoffByPoll(ctx, "dev-abc", second.PollToken)
	require.NoError(t, err)
	assert.Equal(t, second.Code, got.Code)
}

func TestHandoff_PollTokenMismatchLooksLikeAbsent(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	c := newHandoff("dev-abc")
	require.NoError(t, s.ReplaceHandoffCode(ctx, c))

	_, err := s.GetHandoffByPoll(ctx, "dev-abc", "WRONG")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetHandoffByPoll(ctx, "dev-abc", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandoff_ConsumeChecksDeviceAndSingleUse(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	c := newHandoff("dev-abc")
	require.NoError(t, s.ReplaceHandoffCode(ctx, c))

	_, err := s.ConsumeHandoffCode(ctx, c.Code, "dev-other")
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.ConsumeHandoffCode(ctx, c.Code, "dev-abc")
	require.NoError(t, err)
	assert.True(t, got.Used)

	_, err = s.ConsumeHandoffCode(ctx, c.Code, "dev-abc")
	assert.ErrorIs(t, err, store.ErrCodeAlreadyUsed)
}

func TestSSO_DomainLookupAndConnections(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	conn := &store.AuthConnection{ID: "ac-nyu", ConnectionID: "conn_nyu", Protocol: store.ProtocolSSO, Enabled: true}
	require.NoError(t, s.UpsertAuthConnection(ctx, conn))
	require.NoError(t, s.UpsertSSODomain(ctx, &store.SSODomain{
		Domain: "nyu.edu", ConnectionID: "ac-nyu", Enabled: true,
	}))

	d, err := s.GetSSODomain(ctx, "nyu.edu")
	require.NoError(t, err)
	assert.Equal(t, "ac-nyu", d.ConnectionID)

	// Disabled mappings are invisible.
	require.NoError(t, s.UpsertSSODomain(ctx, &store.SSODomain{
		Domain: "nyu.edu", ConnectionID: "ac-nyu", Enabled: false,
	}))
	_, err = s.GetSSODomain(ctx, "nyu.edu")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetAuthConnection(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
