// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessions implements session lifecycle on top of the store and
// the token signers: creation with device binding, refresh-token rotation
// with family-based reuse detection, revocation, and validation.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/prismxr/authd/pkg/store"
	"github.com/prismxr/authd/pkg/tokens"
)

// Rotation failures. All of them surface to clients as a generic
// invalid_grant; the distinction exists for audit logging and metrics.
var (
	// ErrInvalidRefreshToken covers structural/signature failures and
	// unknown sessions.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrSessionRevoked is returned when the session was already revoked.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrSessionExpired is returned when the session passed its absolute
	// expiry; the session is revoked as a side effect.
	ErrSessionExpired = errors.New("session expired")

	// ErrRotationReuse is returned when a previously rotated token (or a
	// token from a foreign family) is presented. The affected sessions
	// are revoked as a side effect. This is a security event.
	ErrRotationReuse = errors.New("refresh token reuse detected")

	// ErrFamilyMismatch is the family-id flavor of ErrRotationReuse and
	// matches it under errors.Is.
	ErrFamilyMismatch = fmt.Errorf("%w: family mismatch", ErrRotationReuse)
)

// Credentials is the result of a session create or rotate.
type Credentials struct {
	SessionID    string
	FamilyID     string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64     // access token lifetime, seconds
	ExpiresAt    time.Time // absolute refresh expiry
}

// CreateParams describes a session to create.
type CreateParams struct {
	UserID     string
	Device     *store.Device // nil for pure web sessions
	AuthMethod store.Protocol
	RemoteIP   string
	UserAgent  string
}

// Manager owns session state transitions. It is the only component that
// revokes sessions.
type Manager struct {
	store      store.SessionStore
	signer     *tokens.Signer
	minter     *tokens.RefreshMinter
	refreshTTL time.Duration
	logger     *slog.Logger
}

// NewManager builds a Manager. refreshTTL of zero means the default
// 30-day absolute expiry.
func NewManager(st store.SessionStore, signer *tokens.Signer, minter *tokens.RefreshMinter, refreshTTL time.Duration) *Manager {
	if refreshTTL <= 0 {
		refreshTTL = tokens.DefaultRefreshTokenTTL
	}
	return &Manager{
		store:      st,
		signer:     signer,
		minter:     minter,
		refreshTTL: refreshTTL,
		logger:     slog.Default().With("component", "sessions"),
	}
}

// Create opens a new session, revoking any prior live session for the
// same (user, device) with reason new_session in the same transaction.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Credentials, error) {
	if p.UserID == "" {
		return nil, errors.New("user id is required")
	}

	sid := uuid.New().String()
	fid := uuid.New().String()

	refreshToken, hash, err := m.minter.Mint(sid, fid)
	if err != nil {
		return nil, fmt.Errorf("minting refresh token: %w", err)
	}

	deviceID := ""
	if p.Device != nil {
		p.Device.UserID = p.UserID
		deviceID = p.Device.ID
	}

	now := time.Now()
	sess := &store.Session{
		ID:               sid,
		UserID:           p.UserID,
		DeviceID:         deviceID,
		RefreshTokenHash: hash,
		FamilyID:         fid,
		AuthMethod:       p.AuthMethod,
		ExpiresAt:        now.Add(m.refreshTTL),
		LastUsedAt:       now,
		RemoteIP:         p.RemoteIP,
		UserAgent:        p.UserAgent,
		CreatedAt:        now,
	}
	if err := m.store.CreateSession(ctx, sess, p.Device); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	accessToken, err := m.signer.SignAccessToken(tokens.AccessClaims{
		UserID:    p.UserID,
		SessionID: sid,
		DeviceID:  deviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	m.logger.Info("session created",
		"session_id", sid,
		"user_id", p.UserID,
		"device_id", deviceID,
		"auth_method", string(p.AuthMethod),
	)

	return &Credentials{
		SessionID:    sid,
		FamilyID:     fid,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(m.signer.TTL() / time.Second),
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// Rotate exchanges a refresh token for fresh tokens. The state machine:
//
//  1. bad HMAC or unknown session        -> ErrInvalidRefreshToken
//  2. session revoked                    -> ErrSessionRevoked
//  3. session expired                    -> revoke(expired), ErrSessionExpired
//  4. family id mismatch                 -> revoke device sessions (rotation_reuse), ErrRotationReuse
//  5. hash mismatch (already rotated)    -> revoke session (rotation_reuse), ErrRotationReuse
//  6. otherwise swap hash atomically; a lost swap race is case 5
func (m *Manager) Rotate(ctx context.Context, refreshToken, ip, ua string) (*Credentials, error) {
	sid, fid, presentedHash, err := m.minter.Verify(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	sess, err := m.store.GetSession(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	if !sess.Active() {
		return nil, ErrSessionRevoked
	}

	now := time.Now()
	if !sess.ExpiresAt.After(now) {
		if err := m.store.RevokeSession(ctx, sid, store.RevokeReasonExpired); err != nil {
			return nil, fmt.Errorf("revoking expired session: %w", err)
		}
		return nil, ErrSessionExpired
	}

	if fid != sess.FamilyID {
		// A validly signed token carrying a foreign family id means the
		// token (or the session row) was stolen at some point. Loud
		// failure: kill everything on the device.
		m.logger.Warn("refresh token family mismatch, revoking device sessions",
			"session_id", sid,
			"device_id", sess.DeviceID,
		)
		if sess.DeviceID != "" {
			if _, err := m.store.RevokeSessionsByDevice(ctx, sess.DeviceID, store.RevokeReasonRotationReuse); err != nil {
				return nil, fmt.Errorf("revoking device sessions: %w", err)
			}
		} else if err := m.store.RevokeSession(ctx, sid, store.RevokeReasonRotationReuse); err != nil {
			return nil, fmt.Errorf("revoking session: %w", err)
		}
		return nil, ErrFamilyMismatch
	}

	if presentedHash != sess.RefreshTokenHash {
		// The stored hash moved on after a successful rotation, so this
		// token was already spent once.
		m.logger.Warn("rotated refresh token replayed, revoking session",
			"session_id", sid,
			"user_id", sess.UserID,
		)
		if err := m.store.RevokeSession(ctx, sid, store.RevokeReasonRotationReuse); err != nil {
			return nil, fmt.Errorf("revoking session: %w", err)
		}
		return nil, ErrRotationReuse
	}

	newToken, newHash, err := m.minter.Mint(sid, sess.FamilyID)
	if err != nil {
		return nil, fmt.Errorf("minting refresh token: %w", err)
	}

	swapped, err := m.store.SwapRefreshHash(ctx, sid, presentedHash, newHash, now, ip, ua)
	if err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}
	if !swapped {
		// A concurrent rotation with the same token won the conditional
		// update between our read and our write. That makes this request
		// a replay of an already-rotated token.
		m.logger.Warn("concurrent refresh rotation lost the race, revoking session",
			"session_id", sid,
		)
		if err := m.store.RevokeSession(ctx, sid, store.RevokeReasonRotationReuse); err != nil {
			return nil, fmt.Errorf("revoking session: %w", err)
		}
		return nil, ErrRotationReuse
	}

	accessToken, err := m.signer.SignAccessToken(tokens.AccessClaims{
		UserID:    sess.UserID,
		SessionID: sid,
		DeviceID:  sess.DeviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	return &Credentials{
		SessionID:    sid,
		FamilyID:     sess.FamilyID,
		AccessToken:  accessToken,
		RefreshToken: newToken,
		ExpiresIn:    int64(m.signer.TTL() / time.Second),
		ExpiresAt:    sess.ExpiresAt,
	}, nil
}

// Revoke marks one session revoked.
func (m *Manager) Revoke(ctx context.Context, sessionID, reason string) error {
	return m.store.RevokeSession(ctx, sessionID, reason)
}

// RevokeAllForUser revokes every live session of a user and returns how
// many were revoked.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	return m.store.RevokeSessionsByUser(ctx, userID, reason)
}

// RevokeAllForDevice revokes every live session bound to a device.
func (m *Manager) RevokeAllForDevice(ctx context.Context, deviceID, reason string) (int, error) {
	return m.store.RevokeSessionsByDevice(ctx, deviceID, reason)
}

// Validate reports whether a session is live and unexpired; on success it
// bumps last-used.
func (m *Manager) Validate(ctx context.Context, sessionID string) (bool, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sess.Active() || !sess.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	if err := m.store.TouchSession(ctx, sessionID, time.Now()); err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpired deletes revoked sessions past their refresh expiry.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	return m.store.PurgeExpiredSessions(ctx, time.Now())
}
