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

	"github.com/prismxr/authd/pkg/store"
)

// InsertAuthCode stores a freshly minted authorization code.
func (s *Store) InsertAuthCode(ctx context.Context, c *store.AuthorizationCode) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_codes (id, user_id, client_id, redirect_uri, code_challenge,
			challenge_method, scopes, auth_method, device_id, platform, expires_at, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ClientID, c.RedirectURI, c.CodeChallenge,
		c.ChallengeMethod, string(scopesJSON), string(c.AuthMethod), c.DeviceID, c.Platform,
		toNanos(c.ExpiresAt), toNullNanos(c.UsedAt), toNanos(c.CreatedAt),
	)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode marks the code used and returns it. The used_at
// transition is a conditional UPDATE, so exactly one concurrent consumer
// wins. Expiry and redirect checks run first; only a fully valid request
// burns the code.
func (s *Store) ConsumeAuthCode(ctx context.Context, code, redirectURI string) (*store.AuthorizationCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, client_id, redirect_uri, code_challenge, challenge_method,
			scopes, auth_method, device_id, platform, expires_at, used_at, created_at
		FROM auth_codes WHERE id = ?`, code)

	var (
		c             store.AuthorizationCode
		scopes        string
		expires, made int64
		used          sql.NullInt64
	)
	err = row.Scan(&c.ID, &c.UserID, &c.ClientID, &c.RedirectURI, &c.CodeChallenge,
		&c.ChallengeMethod, &scopes, &c.AuthMethod, &c.DeviceID, &c.Platform,
		&expires, &used, &made)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning auth code: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &c.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	c.ExpiresAt = fromNanos(expires)
	c.UsedAt = fromNullNanos(used)
	c.CreatedAt = fromNanos(made)

	if c.UsedAt != nil {
		return nil, store.ErrCodeAlreadyUsed
	}
	now := time.Now()
	if !c.ExpiresAt.After(now) {
		return nil, store.ErrCodeExpired
	}
	if c.RedirectURI != redirectURI {
		return nil, store.ErrRedirectMismatch
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE auth_codes SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		toNanos(now), code)
	if err != nil {
		return nil, fmt.Errorf("consuming auth code: %w", err)
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
	c.UsedAt = &now
	return &c, nil
}

// PurgeExpiredAuthCodes deletes codes past their expiry.
func (s *Store) PurgeExpiredAuthCodes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_codes WHERE expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("purging auth codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(n), nil
}
