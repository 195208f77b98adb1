// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package users links broker-authenticated identities to local user
// accounts: find-or-create by email, soft-delete reactivation, and
// identity upserts per (protocol, subject).
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prismxr/authd/pkg/store"
)

// Profile is the normalized identity a broker authentication produced.
type Profile struct {
	Provider   store.Protocol
	Subject    string
	Email      string
	FirstName  string
	LastName   string
	Attributes map[string]any
}

// Linker resolves broker profiles to user rows.
type Linker struct {
	store  store.UserStore
	logger *slog.Logger
}

// NewLinker builds a Linker.
func NewLinker(st store.UserStore) *Linker {
	return &Linker{
		store:  st,
		logger: slog.Default().With("component", "users"),
	}
}

// Link finds or creates the user for the profile's email, reactivating a
// soft-deleted account when one exists, and upserts the identity row for
// (provider, subject). Concurrent links for the same new email converge
// on one user row via the unique email index.
func (l *Linker) Link(ctx context.Context, p Profile) (*store.User, error) {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if email == "" {
		return nil, errors.New("profile email is required")
	}
	if p.Subject == "" {
		return nil, errors.New("profile subject is required")
	}

	user, err := l.findOrCreate(ctx, email, p)
	if err != nil {
		return nil, err
	}

	if err := l.store.UpsertIdentity(ctx, &store.Identity{
		UserID:          user.ID,
		Provider:        p.Provider,
		ProviderSubject: p.Subject,
		Email:           email,
		Attributes:      p.Attributes,
	}); err != nil {
		return nil, fmt.Errorf("upserting identity: %w", err)
	}

	return user, nil
}

func (l *Linker) findOrCreate(ctx context.Context, email string, p Profile) (*store.User, error) {
	user, err := l.store.GetUserByEmail(ctx, email, true)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if user == nil {
		user = &store.User{
			Email:     email,
			FirstName: p.FirstName,
			LastName:  p.LastName,
		}
		err := l.store.CreateUser(ctx, user)
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost a concurrent-create race; the row now exists.
			return l.store.GetUserByEmail(ctx, email, false)
		}
		if err != nil {
			return nil, fmt.Errorf("creating user: %w", err)
		}
		l.logger.Info("user created", "user_id", user.ID, "provider", string(p.Provider))
		return user, nil
	}

	changed := false
	if user.Deleted() {
		user.DeletedAt = nil
		changed = true
	}
	// Brokers may supply names a previous login did not; fill gaps but
	// never overwrite what the user already has.
	if user.FirstName == "" && p.FirstName != "" {
		user.FirstName = p.FirstName
		changed = true
	}
	if user.LastName == "" && p.LastName != "" {
		user.LastName = p.LastName
		changed = true
	}
	if changed {
		if err := l.store.UpdateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("updating user: %w", err)
		}
		l.logger.Info("user updated on login", "user_id", user.ID)
	}

	return user, nil
}

// ResolveBySubject maps a broker identity back to its local user, used by
// deletion webhooks that only carry (provider, subject).
func (l *Linker) ResolveBySubject(ctx context.Context, provider store.Protocol, subject string) (*store.User, error) {
	ident, err := l.store.GetIdentity(ctx, provider, subject)
	if err != nil {
		return nil, err
	}
	return l.store.GetUser(ctx, ident.UserID)
}
