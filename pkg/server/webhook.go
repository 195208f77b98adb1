// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prismxr/authd/pkg/broker"
	"github.com/prismxr/authd/pkg/store"
)

// webhookSignatureHeader carries the broker's `t=...,v1=...` signature.
const webhookSignatureHeader = "X-Webhook-Signature"

// handleIdentityWebhook processes identity lifecycle events from the
// broker. Deletion events revoke all sessions and soft-delete the user.
func (s *Server) handleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeSignatureInvalid)
		return
	}

	event, err := s.broker.VerifyWebhook(body, r.Header.Get(webhookSignatureHeader))
	if err != nil {
		securityEventsTotal.WithLabelValues(eventWebhookSignature).Inc()
		s.logger.Warn("webhook signature verification failed", "error", err)
		writeError(w, http.StatusBadRequest, codeSignatureInvalid)
		return
	}

	switch event.Type {
	case "user.deleted", "identity.deleted":
		s.handleIdentityDeleted(r, event)
	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type)
	}

	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// handleIdentityDeleted maps the broker identity back to the local user
// via (provider, subject) and tears the account down. Unknown identities
// are logged and acknowledged; the broker will not be retried into a
// different outcome.
func (s *Server) handleIdentityDeleted(r *http.Request, event *broker.Event) {
	subject, _ := event.Data["id"].(string)
	connectionType, _ := event.Data["connection_type"].(string)
	if subject == "" {
		s.logger.Warn("deletion event without subject", "event_id", event.ID)
		return
	}

	protocol := broker.ProtocolForConnectionType(connectionType)
	user, err := s.linker.ResolveBySubject(r.Context(), protocol, subject)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("deletion event for unknown identity",
			"event_id", event.ID, "provider", string(protocol))
		return
	}
	if err != nil {
		s.logger.Error("resolving deleted identity failed", "event_id", event.ID, "error", err)
		return
	}

	n, err := s.sessions.RevokeAllForUser(r.Context(), user.ID, store.RevokeReasonUserDeleted)
	if err != nil {
		s.logger.Error("revoking sessions for deleted user failed", "user_id", user.ID, "error", err)
		return
	}

	now := time.Now()
	user.DeletedAt = &now
	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.logger.Error("soft-deleting user failed", "user_id", user.ID, "error", err)
		return
	}

	s.logger.Info("user deleted via webhook",
		"user_id", user.ID, "sessions_revoked", n, "event_id", event.ID)
}
