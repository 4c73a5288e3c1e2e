package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.json")

	doc := map[string]any{
		"installFolder":               dir,
		"enableDeviceListener":        false,
		"autoStartAppium":             false,
		"deviceListenerPollInterval":  1,
		"pluginMonitorIntervalSeconds": 30,
		"portRange":                   map[string]int{"startPort": 30000, "endPort": 30010},
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfgPath := writeTestConfig(t)
	code := run([]string{"bogus", "--config", cfgPath})
	require.Equal(t, exitError, code)
}

func TestRunRejectsMissingConfig(t *testing.T) {
	code := run([]string{"listen", "--config", "/nonexistent/agent.json"})
	require.Equal(t, exitError, code)
}

func TestRunInstallDryRunSucceedsWithoutProvisioner(t *testing.T) {
	cfgPath := writeTestConfig(t)
	code := run([]string{"install", "--config", cfgPath, "--dry-run"})
	require.Equal(t, exitOK, code)
}

func TestRunInstallRequiresProvisionerWhenNotDryRun(t *testing.T) {
	cfgPath := writeTestConfig(t)
	code := run([]string{"install", "--config", cfgPath})
	require.Equal(t, exitError, code)
}
