// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import "errors"

// Sentinel errors returned by Store implementations. The HTTP layer maps
// these onto the public error vocabulary; nothing below the handlers
// formats responses.
var (
	// ErrNotFound indicates the requested row does not exist (or is
	// soft-deleted, for users).
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a uniqueness violation on insert.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCodeAlreadyUsed indicates a single-use code was consumed before.
	ErrCodeAlreadyUsed = errors.New("code already used")

	// ErrCodeExpired indicates a code past its expiry.
	ErrCodeExpired = errors.New("code expired")

	// ErrRedirectMismatch indicates the redirect_uri presented at
	// consumption differs from the one bound at creation.
	ErrRedirectMismatch = errors.New("redirect uri mismatch")

	// ErrDeviceOwnerMismatch indicates an attempt to move a device id to
	// a different user.
	ErrDeviceOwnerMismatch = errors.New("device belongs to another user")
)
