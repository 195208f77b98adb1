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

const handoffColumns = `code, poll_token, user_id, device_id, external_session_id,
	expires_at, used, used_at, created_at`

func scanHandoff(row rowScanner) (*store.HandoffCode, error) {
	var (
		c             store.HandoffCode
		used          int
		expires, made int64
		usedAt        sql.NullInt64
	)
	err := row.Scan(&c.Code, &c.PollToken, &c.UserID, &c.DeviceID, &c.ExternalSessionID,
		&expires, &used, &usedAt, &made)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning handoff code: %w", err)
	}
	c.ExpiresAt = fromNanos(expires)
	c.Used = used != 0
	c.UsedAt = fromNullNanos(usedAt)
	c.CreatedAt = fromNanos(made)
	return &c, nil
}

// ReplaceHandoffCode drops any unused codes for the device and inserts the
// new one, so a stale code can never satisfy a later poll.
func (s *Store) ReplaceHandoffCode(ctx context.Context, c *store.HandoffCode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM handoff_codes WHERE device_id = ? AND used = 0`, c.DeviceID,
	); err != nil {
		return fmt.Errorf("deleting stale handoff codes: %w", err)
	}

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO handoff_codes (`+handoffColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Code, c.PollToken, c.UserID, c.DeviceID, c.ExternalSessionID,
		toNanos(c.ExpiresAt), boolToInt(c.Used), toNullNanos(c.UsedAt), toNanos(c.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("inserting handoff code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// DeleteUnusedHandoffCodes removes pending codes for a device.
func (s *Store) DeleteUnusedHandoffCodes(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM handoff_codes WHERE device_id = ? AND used = 0`, deviceID)
	if err != nil {
		return fmt.Errorf("deleting handoff codes: %w", err)
	}
	return nil
}

// GetHandoffByPoll looks up a pending code by (device, poll token). Both
// must match; a wrong poll token is indistinguishable from no code.
func (s *Store) GetHandoffByPoll(ctx context.Context, deviceID, pollToken string) (*store.HandoffCode, error) {
	if pollToken == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+handoffColumns+` FROM handoff_codes
		WHERE device_id = ? AND poll_token = ? AND used = 0`,
		deviceID, pollToken)
	return scanHandoff(row)
}

// ConsumeHandoffCode marks the code used. The consuming device id must
// equal the device id the code was created for.
func (s *Store) ConsumeHandoffCode(ctx context.Context, code, deviceID string) (*store.HandoffCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	c, err := scanHandoff(tx.QueryRowContext(ctx,
		`SELECT `+handoffColumns+` FROM handoff_codes WHERE code = ?`, code))
	if err != nil {
		return nil, err
	}

	if c.Used {
		return nil, store.ErrCodeAlreadyUsed
	}
	now := time.Now()
	if !c.ExpiresAt.After(now) {
		return nil, store.ErrCodeExpired
	}
	if c.DeviceID != deviceID {
		return nil, store.ErrNotFound
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE handoff_codes SET used = 1, used_at = ? WHERE code = ? AND used = 0`,
		toNanos(now), code)
	if err != nil {
		return nil, fmt.Errorf("consuming handoff code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return nil, store.ErrCodeAlreadyUsed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	c.Used = true
	c.UsedAt = &now
	return c, nil
}

// PurgeExpiredHandoffCodes deletes codes past their expiry.
func (s *Store) PurgeExpiredHandoffCodes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM handoff_codes WHERE expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("purging handoff codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}
