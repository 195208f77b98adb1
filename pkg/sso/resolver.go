// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sso routes email addresses to enterprise broker connections via
// domain mappings with parent-domain fallback.
package sso

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/prismxr/authd/pkg/store"
)

// Resolution is the outcome of resolving an email.
type Resolution struct {
	IsEnterprise bool
	Connection   *store.AuthConnection
	Domain       string
}

// Resolver maps an email's domain to an auth connection. It is stateless
// apart from read-only store lookups.
type Resolver struct {
	store  store.SSOStore
	logger *slog.Logger
}

// NewResolver builds a Resolver.
func NewResolver(st store.SSOStore) *Resolver {
	return &Resolver{
		store:  st,
		logger: slog.Default().With("component", "sso"),
	}
}

// Resolve looks the email's domain up in the SSO mappings, walking up
// parent domains (stern.nyu.edu -> nyu.edu -> edu) until a hit or the TLD.
// A mapping whose email pattern does not match the full email, or whose
// connection is missing or disabled, resolves to non-enterprise.
func (r *Resolver) Resolve(ctx context.Context, email string) (*Resolution, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	_, domain, ok := strings.Cut(email, "@")
	if !ok || domain == "" {
		return &Resolution{}, nil
	}

	for candidate := domain; candidate != ""; {
		mapping, err := r.store.GetSSODomain(ctx, candidate)
		if err == nil {
			return r.apply(ctx, email, mapping)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		// Strip the leading label; stop once only the TLD would remain.
		_, rest, found := strings.Cut(candidate, ".")
		if !found || !strings.Contains(rest, ".") {
			if found {
				// rest is the TLD itself; give it one last lookup in case
				// an operator mapped a bare TLD on purpose.
				if mapping, err := r.store.GetSSODomain(ctx, rest); err == nil {
					return r.apply(ctx, email, mapping)
				} else if !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
			}
			break
		}
		candidate = rest
	}

	return &Resolution{}, nil
}

func (r *Resolver) apply(ctx context.Context, email string, mapping *store.SSODomain) (*Resolution, error) {
	if mapping.EmailPattern != "" {
		re, err := regexp.Compile("(?i)" + mapping.EmailPattern)
		if err != nil {
			// A broken operator-supplied pattern must not lock the whole
			// domain out of SSO; treat it as absent.
			r.logger.Warn("ignoring invalid sso email pattern",
				"domain", mapping.Domain,
				"error", err,
			)
		} else if !re.MatchString(email) {
			return &Resolution{}, nil
		}
	}

	conn, err := r.store.GetAuthConnection(ctx, mapping.ConnectionID)
	if errors.Is(err, store.ErrNotFound) {
		return &Resolution{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !conn.Enabled {
		return &Resolution{}, nil
	}

	return &Resolution{
		IsEnterprise: true,
		Connection:   conn,
		Domain:       mapping.Domain,
	}, nil
}
