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

// GetDevice returns a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*store.Device, error) {
	return getDevice(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getDevice(ctx context.Context, q querier, id string) (*store.Device, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, type, platform, app_version, os_version, last_active_at, active, revoked_at
		FROM devices WHERE id = ?`, id)

	var (
		d          store.Device
		active     int
		lastActive int64
		revoked    sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.UserID, &d.Type, &d.Platform, &d.AppVersion, &d.OSVersion,
		&lastActive, &active, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	d.LastActiveAt = fromNanos(lastActive)
	d.Active = active != 0
	d.RevokedAt = fromNullNanos(revoked)
	return &d, nil
}

// UpsertDevice inserts the device or refreshes its metadata. A device id
// never moves between users.
func (s *Store) UpsertDevice(ctx context.Context, d *store.Device) error {
	return upsertDevice(ctx, s.db, d)
}

func upsertDevice(ctx context.Context, q querier, d *store.Device) error {
	existing, err := getDevice(ctx, q, d.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if existing != nil && existing.UserID != d.UserID {
		return store.ErrDeviceOwnerMismatch
	}

	if d.LastActiveAt.IsZero() {
		d.LastActiveAt = time.Now()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO devices (id, user_id, type, platform, app_version, os_version, last_active_at, active, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, NULL)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			platform = excluded.platform,
			app_version = excluded.app_version,
			os_version = excluded.os_version,
			last_active_at = excluded.last_active_at,
			active = 1,
			revoked_at = NULL`,
		d.ID, d.UserID, string(d.Type), d.Platform, d.AppVersion, d.OSVersion,
		toNanos(d.LastActiveAt),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	d.Active = true
	d.RevokedAt = nil
	return nil
}

// RevokeDevice marks the device revoked and inactive.
func (s *Store) RevokeDevice(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET active = 0, revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		toNanos(at), id)
	if err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already revoked or absent; revocation is idempotent.
		if _, getErr := s.GetDevice(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}
