// SPDX-FileCopyrightText: Copyright 2025 Prism XR, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the authd service.
package main

import (
	"os"

	"github.com/prismxr/authd/cmd/authd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
