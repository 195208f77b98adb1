// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prismxr/authd/pkg/store"
)

const userColumns = `id, email, first_name, last_name, admin, organization,
	last_web_login_at, last_app_login_at, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*store.User, error) {
	var (
		u                        store.User
		admin                    int
		webLogin, appLogin, gone sql.NullInt64
		created, updated         int64
	)
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &admin, &u.Organization,
		&webLogin, &appLogin, &created, &updated, &gone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Admin = admin != 0
	u.LastWebLoginAt = fromNullNanos(webLogin)
	u.LastAppLoginAt = fromNullNanos(appLogin)
	u.CreatedAt = fromNanos(created)
	u.UpdatedAt = fromNanos(updated)
	u.DeletedAt = fromNullNanos(gone)
	return &u, nil
}

// GetUser returns a non-soft-deleted user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ? AND deleted_at IS NULL`, id)
	return scanUser(row)
}

// GetUserByEmail returns a user by email. includeDeleted lets the identity
// linker find soft-deleted users for reactivation.
func (s *Store) GetUserByEmail(ctx context.Context, email string, includeDeleted bool) (*store.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	// Soft-deleted duplicates may exist; prefer the live row, then the
	// most recently created.
	query += ` ORDER BY deleted_at IS NULL DESC, created_at DESC LIMIT 1`
	return scanUser(s.db.QueryRowContext(ctx, query, email))
}

// CreateUser inserts a new user, assigning an id when the caller did not.
func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, first_name, last_name, admin, organization,
			last_web_login_at, last_app_login_at, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.FirstName, u.LastName, boolToInt(u.Admin), u.Organization,
		toNullNanos(u.LastWebLoginAt), toNullNanos(u.LastAppLoginAt),
		toNanos(u.CreatedAt), toNanos(u.UpdatedAt), toNullNanos(u.DeletedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// UpdateUser rewrites mutable fields and bumps updated_at.
func (s *Store) UpdateUser(ctx context.Context, u *store.User) error {
	u.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET email = ?, first_name = ?, last_name = ?, admin = ?, organization = ?,
			deleted_at = ?, updated_at = ?
		WHERE id = ?`,
		u.Email, u.FirstName, u.LastName, boolToInt(u.Admin), u.Organization,
		toNullNanos(u.DeletedAt), toNanos(u.UpdatedAt), u.ID,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TouchLogin records a web or app login timestamp.
func (s *Store) TouchLogin(ctx context.Context, userID string, web bool, at time.Time) error {
	column := "last_app_login_at"
	if web {
		column = "last_web_login_at"
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+column+` = ? WHERE id = ? AND deleted_at IS NULL`,
		toNanos(at), userID)
	if err != nil {
		return fmt.Errorf("touching login: %w", err)
	}
	return nil
}

// GetIdentity looks up an identity by (provider, subject).
func (s *Store) GetIdentity(ctx context.Context, provider store.Protocol, subject string) (*store.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, provider_subject, email, attributes, created_at, updated_at
		FROM identities WHERE provider = ? AND provider_subject = ?`,
		string(provider), subject)

	var (
		ident            store.Identity
		attrs            string
		created, updated int64
	)
	err := row.Scan(&ident.ID, &ident.UserID, &ident.Provider, &ident.ProviderSubject,
		&ident.Email, &attrs, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning identity: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &ident.Attributes); err != nil {
		return nil, fmt.Errorf("decoding identity attributes: %w", err)
	}
	ident.CreatedAt = fromNanos(created)
	ident.UpdatedAt = fromNanos(updated)
	return &ident, nil
}

// UpsertIdentity inserts the identity or refreshes email and attributes on
// (provider, subject) conflict. The conflict branch never touches user_id,
// so identities cannot migrate between users.
func (s *Store) UpsertIdentity(ctx context.Context, ident *store.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.New().String()
	}
	now := time.Now()
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = now
	}
	ident.UpdatedAt = now

	attrs := ident.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encoding identity attributes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (id, user_id, provider, provider_subject, email, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, provider_subject) DO UPDATE SET
			email = excluded.email,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at`,
		ident.ID, ident.UserID, string(ident.Provider), ident.ProviderSubject,
		ident.Email, string(attrsJSON), toNanos(ident.CreatedAt), toNanos(ident.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting identity: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
