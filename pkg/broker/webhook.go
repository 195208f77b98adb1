// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WebhookTolerance bounds how far a webhook timestamp may drift from the
// local clock before the event is rejected as a possible replay.
const WebhookTolerance = 5 * time.Minute

// ErrInvalidSignature is returned for any webhook that fails signature or
// timestamp checks. Callers must not distinguish the sub-causes.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// webhookVerifier validates `t=<unix>,v1=<hex>` signature headers. The
// signed message is `t + "." + rawBody`.
type webhookVerifier struct {
	secret []byte
	now    func() time.Time
}

func newWebhookVerifier(secret []byte) *webhookVerifier {
	return &webhookVerifier{secret: secret, now: time.Now}
}

func (v *webhookVerifier) verify(rawBody []byte, signatureHeader string) (*Event, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("webhook secret not configured")
	}

	var ts, sig string
	for _, part := range strings.Split(signatureHeader, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			sig = value
		}
	}
	if ts == "" || sig == "" {
		return nil, ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	drift := v.now().Sub(time.Unix(unix, 0))
	if drift > WebhookTolerance || drift < -WebhookTolerance {
		return nil, ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return nil, ErrInvalidSignature
	}

	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("decoding webhook body: %w", err)
	}
	return &event, nil
}
