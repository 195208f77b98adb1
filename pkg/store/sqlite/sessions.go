// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prismxr/authd/pkg/store"
)

const sessionColumns = `id, user_id, device_id, refresh_token_hash, family_id, auth_method,
	expires_at, last_used_at, revoked_at, revoke_reason, remote_ip, user_agent, created_at`

func scanSession(row rowScanner) (*store.Session, error) {
	var (
		sess                    store.Session
		expires, lastUsed, made int64
		revoked                 sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.DeviceID, &sess.RefreshTokenHash,
		&sess.FamilyID, &sess.AuthMethod, &expires, &lastUsed, &revoked,
		&sess.RevokeReason, &sess.RemoteIP, &sess.UserAgent, &made)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.ExpiresAt = fromNanos(expires)
	sess.LastUsedAt = fromNanos(lastUsed)
	sess.RevokedAt = fromNullNanos(revoked)
	sess.CreatedAt = fromNanos(made)
	return &sess, nil
}

// GetSession returns the session by id, revoked or not.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// CreateSession inserts the session in one transaction with the device
// upsert and the new_session revocation of any prior live session for the
// same (user, device).
func (s *Store) CreateSession(ctx context.Context, sess *store.Session, dev *store.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if dev != nil {
		if err := upsertDevice(ctx, tx, dev); err != nil {
			return err
		}
	}

	now := time.Now()
	if sess.DeviceID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET revoked_at = ?, revoke_reason = ?
			WHERE user_id = ? AND device_id = ? AND revoked_at IS NULL`,
			toNanos(now), store.RevokeReasonNewSession, sess.UserID, sess.DeviceID,
		); err != nil {
			return fmt.Errorf("revoking prior session: %w", err)
		}
	}

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastUsedAt.IsZero() {
		sess.LastUsedAt = now
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.DeviceID, sess.RefreshTokenHash, sess.FamilyID,
		string(sess.AuthMethod), toNanos(sess.ExpiresAt), toNanos(sess.LastUsedAt),
		toNullNanos(sess.RevokedAt), sess.RevokeReason, sess.RemoteIP, sess.UserAgent,
		toNanos(sess.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// SwapRefreshHash performs the rotation write: the stored hash moves from
// oldHash to newHash only if no other rotation got there first and the
// session is still live. Returns false when the conditional update matched
// nothing.
func (s *Store) SwapRefreshHash(ctx context.Context, id, oldHash, newHash string, at time.Time, ip, ua string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET refresh_token_hash = ?, last_used_at = ?, remote_ip = ?, user_agent = ?
		WHERE id = ? AND refresh_token_hash = ? AND revoked_at IS NULL`,
		newHash, toNanos(at), ip, ua, id, oldHash,
	)
	if err != nil {
		return false, fmt.Errorf("rotating refresh hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// RevokeSession marks the session revoked. The reason is first-writer-wins
// and a second revoke is a no-op.
func (s *Store) RevokeSession(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ?, revoke_reason = ?
		WHERE id = ? AND revoked_at IS NULL`,
		toNanos(time.Now()), reason, id,
	)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// RevokeSessionsByUser revokes every live session of a user.
func (s *Store) RevokeSessionsByUser(ctx context.Context, userID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ?, revoke_reason = ?
		WHERE user_id = ? AND revoked_at IS NULL`,
		toNanos(time.Now()), reason, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking sessions by user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// RevokeSessionsByDevice revokes every live session bound to a device.
func (s *Store) RevokeSessionsByDevice(ctx context.Context, deviceID, reason string) (int, error) {
	if deviceID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ?, revoke_reason = ?
		WHERE device_id = ? AND revoked_at IS NULL`,
		toNanos(time.Now()), reason, deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("revoking sessions by device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}

// TouchSession updates last_used_at.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = ? WHERE id = ?`, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions deletes revoked sessions whose expiry has passed.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE revoked_at IS NOT NULL AND expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}
