// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

package versions

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) { //nolint:paralleltest // mutates build globals
	origVersion, origCommit, origDate := Version, Commit, BuildDate
	defer func() { Version, Commit, BuildDate = origVersion, origCommit, origDate }()

	Version, Commit, BuildDate = "v1.2.3", "abc123def456789", "2025-01-15T10:30:00Z"
	got := Get()
	assert.Equal(t, "v1.2.3", got.Version)
	assert.Equal(t, "abc123def456789", got.Commit)
	assert.Equal(t, "2025-01-15 10:30:00 UTC", got.BuildDate)
	assert.Equal(t, runtime.Version(), got.GoVersion)
	assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), got.Platform)

	// Dev builds derive a version from the commit.
	Version, Commit, BuildDate = "dev", "abc123def456789", unknown
	got = Get()
	assert.Equal(t, "build-abc123de", got.Version)
	assert.Equal(t, unknown, got.BuildDate)

	// Malformed build dates pass through untouched.
	Version, Commit, BuildDate = "v2.0.0", "xyz", "not-a-date"
	got = Get()
	assert.Equal(t, "not-a-date", got.BuildDate)
}
