// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package sessions

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismxr/authd/pkg/store"
	"github.com/prismxr/authd/pkg/store/sqlite"
	"github.com/prismxr/authd/pkg/tokens"
)

type testEnv struct {
	mgr    *Manager
	store  *sqlite.Store
	minter *tokens.RefreshMinter
	userID string
}

func newTestEnv(t *testing.T, refreshTTL time.Duration) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "authd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := tokens.NewSigner(key, "https://auth.example.com", "prism-api", 10*time.Minute)
	require.NoError(t, err)

	minter, err := tokens.NewRefreshMinter(
		[]byte("0123456789abcdef0123456789abcdef"),
		[]byte("fedcba9876543210fedcba9876543210"),
	)
	require.NoError(t, err)

	user := &store.User{ID: "user-1", Email: "ada@example.com"}
	require.NoError(t, st.CreateUser(ctx, user))

	return &testEnv{
		mgr:    NewManager(st, signer, minter, refreshTTL),
		store:  st,
		minter: minter,
		userID: user.ID,
	}
}

func testDevice(id string) *store.Device {
	return &store.Device{ID: id, Type: store.DeviceTypeDesktop, Platform: "windows"}
}

func TestManager_CreateIssuesVerifiableTokens(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID:     env.userID,
		Device:     testDevice("dev-1"),
		AuthMethod: store.ProtocolGoogle,
		RemoteIP:   "203.0.113.7",
		UserAgent:  "prism-desktop/1.0",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccessToken)
	assert.NotEmpty(t, creds.RefreshToken)
	assert.Equal(t, int64(600), creds.ExpiresIn)

	sess, err := env.store.GetSession(ctx, creds.SessionID)
	require.NoError(t, err)
	assert.Equal(t, env.userID, sess.UserID)
	assert.Equal(t, "dev-1", sess.DeviceID)
	assert.Equal(t, creds.FamilyID, sess.FamilyID)
	assert.True(t, sess.Active())

	sid, fid, hash, err := env.minter.Verify(creds.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, creds.SessionID, sid)
	assert.Equal(t, creds.FamilyID, fid)
	assert.Equal(t, sess.RefreshTokenHash, hash)
}

func TestManager_CreateRevokesPriorDeviceSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	first, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)

	second, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)

	old, err := env.store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.False(t, old.Active())
	assert.Equal(t, store.RevokeReasonNewSession, old.RevokeReason)

	cur, err := env.store.GetSession(ctx, second.SessionID)
	require.NoError(t, err)
	assert.True(t, cur.Active())
}

func TestManager_RotateHappyPath(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolMagicLink,
	})
	require.NoError(t, err)

	rotated, err := env.mgr.Rotate(ctx, creds.RefreshToken, "198.51.100.2", "prism-desktop/1.1")
	require.NoError(t, err)
	assert.Equal(t, creds.SessionID, rotated.SessionID)
	assert.Equal(t, creds.FamilyID, rotated.FamilyID)
	assert.NotEqual(t, creds.RefreshToken, rotated.RefreshToken)

	// The rotated token keeps working.
	again, err := env.mgr.Rotate(ctx, rotated.RefreshToken, "198.51.100.2", "prism-desktop/1.1")
	require.NoError(t, err)
	assert.Equal(t, creds.SessionID, again.SessionID)
}

func TestManager_RotateDetectsReplay(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)

	rotated, err := env.mgr.Rotate(ctx, creds.RefreshToken, "", "")
	require.NoError(t, err)

	// Replaying the pre-rotation token kills the session.
	_, err = env.mgr.Rotate(ctx, creds.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRotationReuse)

	sess, err := env.store.GetSession(ctx, creds.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.Active())
	assert.Equal(t, store.RevokeReasonRotationReuse, sess.RevokeReason)

	// The legitimately rotated token is collateral damage.
	_, err = env.mgr.Rotate(ctx, rotated.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestManager_RotateRejectsGarbage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)

	for _, token := range []string{"", "garbage", "a.b", "a.b.c"} {
		_, err := env.mgr.Rotate(context.Background(), token, "", "")
		assert.ErrorIs(t, err, ErrInvalidRefreshToken, "token %q", token)
	}
}

func TestManager_RotateUnknownSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)

	// Validly signed token for a session that does not exist.
	token, _, err := env.minter.Mint("no-such-session", "no-such-family")
	require.NoError(t, err)

	_, err = env.mgr.Rotate(context.Background(), token, "", "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestManager_RotateRevokedSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)
	require.NoError(t, env.mgr.Revoke(ctx, creds.SessionID, store.RevokeReasonLogout))

	_, err = env.mgr.Rotate(ctx, creds.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestManager_RotateExpiredSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, time.Millisecond)
	ctx := context.Background()

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = env.mgr.Rotate(ctx, creds.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrSessionExpired)

	sess, err := env.store.GetSession(ctx, creds.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.Active())
	assert.Equal(t, store.RevokeReasonExpired, sess.RevokeReason)
}

func TestManager_RotateFamilyMismatchRevokesDevice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)

	// A validly signed token for the right session but a foreign family.
	forged, _, err := env.minter.Mint(creds.SessionID, "stolen-family")
	require.NoError(t, err)

	_, err = env.mgr.Rotate(ctx, forged, "", "")
	assert.ErrorIs(t, err, ErrRotationReuse)

	sess, err := env.store.GetSession(ctx, creds.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.Active())
	assert.Equal(t, store.RevokeReasonRotationReuse, sess.RevokeReason)
}

func TestManager_ConcurrentRotationOneWinner(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Credentials
		losses  int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rotated, err := env.mgr.Rotate(ctx, creds.RefreshToken, "", "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, rotated)
			} else {
				assert.ErrorIs(t, err, ErrRotationReuse)
				losses++
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one rotation must succeed")
	assert.Equal(t, 1, losses)

	// The loser revoked the session, so even the winner's token is dead.
	sess, err := env.store.GetSession(ctx, creds.SessionID)
	require.NoError(t, err)
	assert.False(t, sess.Active())

	_, err = env.mgr.Rotate(ctx, winners[0].RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestManager_Validate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	ok, err := env.mgr.Validate(ctx, "no-such-session")
	require.NoError(t, err)
	assert.False(t, ok)

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)

	ok, err = env.mgr.Validate(ctx, creds.SessionID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, env.mgr.Revoke(ctx, creds.SessionID, store.RevokeReasonLogout))
	ok, err = env.mgr.Validate(ctx, creds.SessionID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_RevokeAllForUser(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 0)
	ctx := context.Background()

	_, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)
	_, err = env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-2"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)

	n, err := env.mgr.RevokeAllForUser(ctx, env.userID, store.RevokeReasonLogoutAll)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = env.mgr.RevokeAllForUser(ctx, env.userID, store.RevokeReasonLogoutAll)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestManager_PurgeExpired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, time.Millisecond)
	ctx := context.Background()

	creds, err := env.mgr.Create(ctx, CreateParams{
		UserID: env.userID, Device: testDevice("dev-1"), AuthMethod: store.ProtocolGoogle,
	})
	require.NoError(t, err)
	require.NoError(t, env.mgr.Revoke(ctx, creds.SessionID, store.RevokeReasonLogout))

	time.Sleep(5 * time.Millisecond)

	n, err := env.mgr.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.mgr.Rotate(ctx, creds.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}
