// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamkit/teamkit/internal/config"
	"github.com/teamkit/teamkit/pkg/errutil"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// isolate points every XDG lookup at temporary directories and clears the
// database URL so no test touches the developer's environment.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	t.Setenv(config.DatabaseURLEnv, "")
}

func execute(t *testing.T, deps *Deps, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	if deps == nil {
		deps = &Deps{}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return fixedNow }
	}

	cmd := newRootCmd(deps)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	isolate(t)

	out, _, err := execute(t, nil, "--help")
	require.NoError(t, err)

	for _, sub := range []string{"evaluate", "invite", "policies", "schema", "migrate", "audit"} {
		assert.Contains(t, out, sub, "help missing %q command", sub)
	}
	for _, flag := range []string{"--config", "--log-format", "--log-level", "--audit-mode"} {
		assert.Contains(t, out, flag)
	}
}

func TestRootCommand_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		args []string
		code string
	}{
		{name: "bad log format", args: []string{"--log-format", "xml", "policies"}, code: config.CodeInvalid},
		{name: "bad audit mode", args: []string{"--audit-mode", "loud", "policies"}, code: config.CodeInvalid},
		{name: "missing config file", args: []string{"--config", "/nonexistent/teamkit.yaml", "policies"}, code: config.CodeLoadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, _, err := execute(t, nil, tt.args...)
			errutil.AssertErrorCode(t, err, tt.code)
			assert.Equal(t, 1, exitCode(err))
		})
	}
}

func TestRootCommand_ConfigFileApplies(t *testing.T) {
	isolate(t)
	path := writeFile(t, "config.yaml", "invitations:\n  max_per_request: 3\n")

	out, _, err := execute(t, nil, "--config", path, "policies")
	require.NoError(t, err)
	assert.Contains(t, out, "max-invitations")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(&exitError{code: 2, reason: "evaluation denied"}))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}
