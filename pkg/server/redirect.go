// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/url"
	"slices"
)

// redirectURIAllowed applies the fixed acceptance rules: loopback http on
// any port with path /callback, the configured app scheme's fixed
// callback forms, and exact entries from the web-redirect allowlist.
func (s *Server) redirectURIAllowed(raw string) bool {
	if slices.Contains(s.cfg.WebRedirects, raw) {
		return true
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	switch u.Scheme {
	case "http":
		host := u.Hostname()
		loopback := host == "127.0.0.1" || host == "::1" || host == "localhost"
		return loopback && u.Path == "/callback"
	case s.cfg.AppScheme:
		// app://callback, app://auth/callback, app://oauth/callback
		if u.Host == "callback" && (u.Path == "" || u.Path == "/") {
			return true
		}
		return (u.Host == "auth" || u.Host == "oauth") && u.Path == "/callback"
	default:
		return false
	}
}
