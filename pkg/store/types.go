// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store defines the persistent entities of the authentication
// service and the storage interfaces implemented by the sqlite backend.
package store

import (
	"context"
	"time"
)

// Protocol identifies how a user authenticated with the identity broker.
type Protocol string

// Known authentication protocols. The set is exhaustive; unknown broker
// connection types map to ProtocolSSO.
const (
	ProtocolSSO       Protocol = "sso"
	ProtocolGoogle    Protocol = "oidc_google"
	ProtocolMicrosoft Protocol = "oidc_microsoft"
	ProtocolApple     Protocol = "oidc_apple"
	ProtocolMagicLink Protocol = "magic_link"
)

// Revoke reasons recorded on sessions. The reason is internal audit state;
// callers always see a generic invalid_grant.
const (
	RevokeReasonNewSession    = "new_session"
	RevokeReasonExpired       = "expired"
	RevokeReasonRotationReuse = "rotation_reuse"
	RevokeReasonLogout        = "logout"
	RevokeReasonLogoutAll     = "logout_all"
	RevokeReasonUserDeleted   = "user_deleted"
	RevokeReasonDeviceRevoked = "device_revoked"
)

// DeviceType classifies the client surface a device belongs to.
type DeviceType string

// Known device types.
const (
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeXR      DeviceType = "xr"
	DeviceTypeMobile  DeviceType = "mobile"
	DeviceTypeWeb     DeviceType = "web"
)

// User is an account created on first successful authentication.
// Email is unique among non-soft-deleted users.
type User struct {
	ID             string
	Email          string
	FirstName      string
	LastName       string
	Admin          bool
	Organization   string
	LastWebLoginAt *time.Time
	LastAppLoginAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Deleted reports whether the user is soft-deleted.
func (u *User) Deleted() bool { return u.DeletedAt != nil }

// Identity links a user to a broker identity. (Provider, ProviderSubject)
// is globally unique and never reassigned between users.
type Identity struct {
	ID              string
	UserID          string
	Provider        Protocol
	ProviderSubject string
	Email           string
	Attributes      map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Device is a client-supplied device registration. A device id may be
// reused across logins but never across users.
type Device struct {
	ID           string
	UserID       string
	Type         DeviceType
	Platform     string
	AppVersion   string
	OSVersion    string
	LastActiveAt time.Time
	Active       bool
	RevokedAt    *time.Time
}

// Session is one authenticated session, optionally bound to a device.
// RefreshTokenHash is rewritten on every successful rotation; FamilyID is
// fixed for the session's lifetime and enables reuse detection.
type Session struct {
	ID               string
	UserID           string
	DeviceID         string
	RefreshTokenHash string
	FamilyID         string
	AuthMethod       Protocol
	ExpiresAt        time.Time
	LastUsedAt       time.Time
	RevokedAt        *time.Time
	RevokeReason     string
	RemoteIP         string
	UserAgent        string
	CreatedAt        time.Time
}

// Active reports whether the session has not been revoked.
func (s *Session) Active() bool { return s.RevokedAt == nil }

// AuthorizationCode is the service's own single-use PKCE-protected
// credential, exchanged at the token endpoint.
type AuthorizationCode struct {
	ID              string
	UserID          string
	ClientID        string
	RedirectURI     string
	CodeChallenge   string
	ChallengeMethod string
	Scopes          []string
	AuthMethod      Protocol
	DeviceID        string
	Platform        string
	ExpiresAt       time.Time
	UsedAt          *time.Time
	CreatedAt       time.Time
}

// HandoffCode is a short-lived browser-to-device code. PollToken is the
// secret required for poll lookup and is never part of the code itself.
type HandoffCode struct {
	Code              string
	PollToken         string
	UserID            string
	DeviceID          string
	ExternalSessionID string
	ExpiresAt         time.Time
	Used              bool
	UsedAt            *time.Time
	CreatedAt         time.Time
}

// AuthConnection maps an internal connection to a broker connection id.
type AuthConnection struct {
	ID           string
	ConnectionID string
	Protocol     Protocol
	Enabled      bool
	CreatedAt    time.Time
}

// SSODomain maps a lower-cased email domain to an auth connection, with an
// optional case-insensitive regex filter on the full email.
type SSODomain struct {
	ID           string
	Domain       string
	ConnectionID string
	EmailPattern string
	Enabled      bool
	CreatedAt    time.Time
}

// UserStore persists users and their broker identities. All read paths
// exclude soft-deleted users unless noted.
type UserStore interface {
	// GetUser returns the user by id. Soft-deleted users yield ErrNotFound.
	GetUser(ctx context.Context, id string) (*User, error)

	// GetUserByEmail returns the user by email. When includeDeleted is
	// true a soft-deleted user is returned so callers may reactivate it.
	GetUserByEmail(ctx context.Context, email string, includeDeleted bool) (*User, error)

	// CreateUser inserts a new user. A live user with the same email
	// yields ErrAlreadyExists.
	CreateUser(ctx context.Context, u *User) error

	// UpdateUser rewrites mutable user fields (names, organization,
	// deleted-at) and bumps updated-at.
	UpdateUser(ctx context.Context, u *User) error

	// TouchLogin records a web or app login timestamp.
	TouchLogin(ctx context.Context, userID string, web bool, at time.Time) error

	// GetIdentity looks up an identity by (provider, subject).
	GetIdentity(ctx context.Context, provider Protocol, subject string) (*Identity, error)

	// UpsertIdentity inserts the identity or, on (provider, subject)
	// conflict, refreshes its email and attributes. The user id of an
	// existing identity is never changed.
	UpsertIdentity(ctx context.Context, ident *Identity) error
}

// DeviceStore persists device registrations.
type DeviceStore interface {
	// GetDevice returns the device by id.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// UpsertDevice inserts the device or refreshes its metadata and
	// last-active time. Reassigning a device id to a different user
	// yields ErrDeviceOwnerMismatch.
	UpsertDevice(ctx context.Context, d *Device) error

	// RevokeDevice marks the device revoked and inactive.
	RevokeDevice(ctx context.Context, id string, at time.Time) error
}

// SessionStore persists sessions and applies the atomic transitions the
// rotation state machine depends on.
type SessionStore interface {
	// CreateSession inserts the session and, in the same transaction,
	// upserts dev (when non-nil) and revokes any non-revoked session for
	// the same (user, device) with reason new_session.
	CreateSession(ctx context.Context, s *Session, dev *Device) error

	// GetSession returns the session by id, revoked or not.
	GetSession(ctx context.Context, id string) (*Session, error)

	// SwapRefreshHash replaces the stored refresh-token hash iff the
	// current stored hash equals oldHash and the session is not revoked.
	// Returns false when another rotation won the race.
	SwapRefreshHash(ctx context.Context, id, oldHash, newHash string, at time.Time, ip, ua string) (bool, error)

	// RevokeSession marks the session revoked. Idempotent; the recorded
	// reason is first-writer-wins.
	RevokeSession(ctx context.Context, id, reason string) error

	// RevokeSessionsByUser revokes all non-revoked sessions of a user and
	// returns how many were revoked.
	RevokeSessionsByUser(ctx context.Context, userID, reason string) (int, error)

	// RevokeSessionsByDevice revokes all non-revoked sessions bound to a
	// device and returns how many were revoked.
	RevokeSessionsByDevice(ctx context.Context, deviceID, reason string) (int, error)

	// TouchSession updates the session's last-used time.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// PurgeExpiredSessions deletes revoked sessions whose refresh expiry
	// has passed.
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// AuthCodeStore persists single-use authorization codes.
type AuthCodeStore interface {
	// InsertAuthCode stores a freshly minted code.
	InsertAuthCode(ctx context.Context, c *AuthorizationCode) error

	// ConsumeAuthCode atomically marks the code used and returns it.
	// Exactly one concurrent consumer succeeds; the rest observe
	// ErrCodeAlreadyUsed. Expired codes yield ErrCodeExpired and a
	// redirect-uri mismatch yields ErrRedirectMismatch.
	ConsumeAuthCode(ctx context.Context, code, redirectURI string) (*AuthorizationCode, error)

	// PurgeExpiredAuthCodes deletes codes past their expiry.
	PurgeExpiredAuthCodes(ctx context.Context, now time.Time) (int, error)
}

// HandoffStore persists browser-to-device handoff codes.
type HandoffStore interface {
	// ReplaceHandoffCode deletes any unused codes for the device and
	// inserts the new one in a single transaction.
	ReplaceHandoffCode(ctx context.Context, c *HandoffCode) error

	// DeleteUnusedHandoffCodes removes pending codes for a device.
	DeleteUnusedHandoffCodes(ctx context.Context, deviceID string) error

	// GetHandoffByPoll looks a pending code up by (device, poll token).
	// A poll-token mismatch yields ErrNotFound, indistinguishable from
	// "no code yet".
	GetHandoffByPoll(ctx context.Context, deviceID, pollToken string) (*HandoffCode, error)

	// ConsumeHandoffCode atomically marks the code used. The consuming
	// device must match the device the code was created for.
	ConsumeHandoffCode(ctx context.Context, code, deviceID string) (*HandoffCode, error)

	// PurgeExpiredHandoffCodes deletes codes past their expiry.
	PurgeExpiredHandoffCodes(ctx context.Context, now time.Time) (int, error)
}

// SSOStore reads and seeds enterprise SSO routing state.
type SSOStore interface {
	// GetSSODomain returns the enabled mapping for an exact domain.
	GetSSODomain(ctx context.Context, domain string) (*SSODomain, error)

	// GetAuthConnection returns a connection by internal id.
	GetAuthConnection(ctx context.Context, id string) (*AuthConnection, error)

	// UpsertAuthConnection inserts or updates a connection.
	UpsertAuthConnection(ctx context.Context, c *AuthConnection) error

	// UpsertSSODomain inserts or updates a domain mapping.
	UpsertSSODomain(ctx context.Context, d *SSODomain) error
}

// Store is the full storage surface backed by one database.
type Store interface {
	UserStore
	DeviceStore
	SessionStore
	AuthCodeStore
	HandoffStore
	SSOStore

	// Close releases the underlying database handle.
	Close() error
}
