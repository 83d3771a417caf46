// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

// Package main is the entry point for the teamkit CLI.
package main

import (
	"errors"
	"fmt"
	"os"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cmd := NewRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := cmd.Execute(); err != nil {
		code := exitCode(err)
		if code == 1 {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(code)
	}
}

// exitError carries a process exit status without printing an error.
type exitError struct {
	code   int
	reason string
}

func (e *exitError) Error() string {
	return e.reason
}

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
