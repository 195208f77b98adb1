// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"time"
)

// runSweeper periodically deletes expired revoked sessions and expired
// single-use codes.
func (s *Server) runSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	now := time.Now()

	if n, err := s.sessions.PurgeExpired(ctx); err != nil {
		s.logger.Warn("purging sessions failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("purged sessions", "count", n)
	}
	if n, err := s.store.PurgeExpiredAuthCodes(ctx, now); err != nil {
		s.logger.Warn("purging auth codes failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("purged auth codes", "count", n)
	}
	if n, err := s.store.PurgeExpiredHandoffCodes(ctx, now); err != nil {
		s.logger.Warn("purging handoff codes failed", "error", err)
	} else if n > 0 {
		s.logger.Debug("purged handoff codes", "count", n)
	}
}
