// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/prismxr/authd/pkg/sessions"
)

// Security-event counter types.
const (
	eventRotationReuse    = "rotation_reuse"
	eventFamilyMismatch   = "family_mismatch"
	eventStateTampering   = "state_tampering"
	eventWebhookSignature = "webhook_signature_invalid"
)

var (
	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authd_logins_total",
		Help: "Completed logins by authentication method.",
	}, []string{"method"})

	securityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authd_security_events_total",
		Help: "Detected security events by type.",
	}, []string{"type"})

	tokenRotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "authd_token_rotations_total",
		Help: "Successful refresh-token rotations.",
	})
)

// countRotationFailure records the security-relevant rotation outcomes.
func countRotationFailure(err error) {
	switch {
	case errors.Is(err, sessions.ErrFamilyMismatch):
		securityEventsTotal.WithLabelValues(eventFamilyMismatch).Inc()
	case errors.Is(err, sessions.ErrRotationReuse):
		securityEventsTotal.WithLabelValues(eventRotationReuse).Inc()
	}
}
