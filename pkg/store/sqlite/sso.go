// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prismxr/authd/pkg/store"
)

// GetSSODomain returns the enabled mapping for an exact domain string.
func (s *Store) GetSSODomain(ctx context.Context, domain string) (*store.SSODomain, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain, connection_id, email_pattern, enabled, created_at
		FROM sso_domains WHERE domain = ? AND enabled = 1`, domain)

	var (
		d       store.SSODomain
		enabled int
		made    int64
	)
	err := row.Scan(&d.ID, &d.Domain, &d.ConnectionID, &d.EmailPattern, &enabled, &made)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sso domain: %w", err)
	}
	d.Enabled = enabled != 0
	d.CreatedAt = fromNanos(made)
	return &d, nil
}

// GetAuthConnection returns a connection by internal id.
func (s *Store) GetAuthConnection(ctx context.Context, id string) (*store.AuthConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, connection_id, protocol, enabled, created_at
		FROM auth_connections WHERE id = ?`, id)

	var (
		c       store.AuthConnection
		enabled int
		made    int64
	)
	err := row.Scan(&c.ID, &c.ConnectionID, &c.Protocol, &enabled, &made)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning auth connection: %w", err)
	}
	c.Enabled = enabled != 0
	c.CreatedAt = fromNanos(made)
	return &c, nil
}

// UpsertAuthConnection inserts or updates a connection.
func (s *Store) UpsertAuthConnection(ctx context.Context, c *store.AuthConnection) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_connections (id, connection_id, protocol, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			connection_id = excluded.connection_id,
			protocol = excluded.protocol,
			enabled = excluded.enabled`,
		c.ID, c.ConnectionID, string(c.Protocol), boolToInt(c.Enabled), toNanos(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting auth connection: %w", err)
	}
	return nil
}

// UpsertSSODomain inserts or updates a domain mapping.
func (s *Store) UpsertSSODomain(ctx context.Context, d *store.SSODomain) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sso_domains (id, domain, connection_id, email_pattern, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			connection_id = excluded.connection_id,
			email_pattern = excluded.email_pattern,
			enabled = excluded.enabled`,
		d.ID, d.Domain, d.ConnectionID, d.EmailPattern, boolToInt(d.Enabled), toNanos(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting sso domain: %w", err)
	}
	return nil
}
