package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/argonode/internal/lifecycle"
	"github.com/edvin/argonode/internal/lock"
	"github.com/edvin/argonode/internal/supervisor"
	"github.com/edvin/argonode/internal/tunnel"
)

func TestParseArgs_DefaultsToInstall(t *testing.T) {
	opts, err := parseArgs(nil, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "install", opts.action)
	assert.Nil(t, opts.flags.User)
	assert.Nil(t, opts.flags.Port)
	assert.Nil(t, opts.flags.Token)
}

func TestParseArgs_OnlyChangedFlagsOverride(t *testing.T) {
	opts, err := parseArgs([]string{"-U", "alice", "--port", "0", "status"}, &bytes.Buffer{})
	require.NoError(t, err)

	assert.Equal(t, "status", opts.action)
	require.NotNil(t, opts.flags.User)
	assert.Equal(t, "alice", *opts.flags.User)
	require.NotNil(t, opts.flags.Port, "explicit --port 0 asks for a new port")
	assert.Equal(t, 0, *opts.flags.Port)
	assert.Nil(t, opts.flags.UUID)
	assert.Nil(t, opts.flags.Domain)
}

func TestParseArgs_TokenAlias(t *testing.T) {
	opts, err := parseArgs([]string{"--agk", "eyJhIjoi", "-d", "node.example.com"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NotNil(t, opts.flags.Token)
	assert.Equal(t, "eyJhIjoi", *opts.flags.Token)

	opts, err = parseArgs([]string{"--token", "a", "--agk", "b"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "a", *opts.flags.Token)
}

func TestParseArgs_Errors(t *testing.T) {
	for _, args := range [][]string{
		{"restart"},
		{"install", "status"},
		{"--port", "70000"},
		{"--bogus"},
	} {
		t.Run(fmt.Sprint(args), func(t *testing.T) {
			_, err := parseArgs(args, &bytes.Buffer{})
			assert.Error(t, err)
		})
	}
}

func TestRun_UsageExitCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"restart"}, &stdout, &stderr)
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr.String(), `unknown action "restart"`)
}

func TestRun_StatusOnMissingInstall(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".agsb")
	t.Setenv("ARGONODE_HOME", home)

	var stdout, stderr bytes.Buffer
	code := run([]string{"status"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), "Not installed.")
	assert.Contains(t, stdout.String(), "proxy    not running")

	_, err := os.Stat(home)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_CatOnMissingInstall(t *testing.T) {
	t.Setenv("ARGONODE_HOME", filepath.Join(t.TempDir(), ".agsb"))

	var stdout, stderr bytes.Buffer
	code := run([]string{"cat"}, &stdout, &stderr)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr.String(), "not installed")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{lock.ErrLocked, exitLocked},
		{fmt.Errorf("%w: bad uuid", lifecycle.ErrInvalidConfig), exitUsage},
		{fmt.Errorf("start proxy: %w", supervisor.ErrSpawnFailed), exitSpawn},
		{fmt.Errorf("node list: %w", tunnel.ErrHostnameTimeout), exitHostname},
		{errors.New("disk full"), exitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), tt.err.Error())
	}
}

func TestPrintStatus_ShowsHost(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, &lifecycle.StatusReport{
		Installed: true,
		Roles: []lifecycle.RoleReport{
			{Role: "proxy", PID: 1001, Running: true},
			{Role: "tunnel"},
		},
		Host: "node.example.com",
		List: "vmess://a\n",
	})

	assert.Equal(t, "proxy    running (pid 1001)\ntunnel   not running\nHost:    node.example.com\nvmess://a\n", out.String())
}
