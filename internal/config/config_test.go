// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cradlehq/cradle/internal/config"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cradle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newFlags(t *testing.T) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	return fs
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	d := config.Default()
	assert.Equal(t, d.Roots, cfg.Roots)
	assert.Equal(t, d.StateDir, cfg.StateDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.StreamIdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.ActionTimeout)
	assert.Empty(t, cfg.Policy)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
roots:
  - /srv/cradle/extensions
  - /opt/extensions
state-dir: /srv/cradle/state
policy: /etc/cradle/policy.yaml
log-format: text
log-level: debug
metrics-addr: ""
stream-idle-timeout: 45s
action-timeout: 2m
`)

	cfg, err := config.Load(path, newFlags(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/cradle/extensions", "/opt/extensions"}, cfg.Roots)
	assert.Equal(t, "/srv/cradle/state", cfg.StateDir)
	assert.Equal(t, "/etc/cradle/policy.yaml", cfg.Policy)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, 45*time.Second, cfg.StreamIdleTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ActionTimeout)
}

func TestLoad_UnchangedFlagKeepsFileValue(t *testing.T) {
	path := writeConfigFile(t, "log-format: text\n")

	// The flag default is "json" but the flag is untouched: the file wins.
	cfg, err := config.Load(path, newFlags(t))
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_ChangedFlagBeatsFile(t *testing.T) {
	path := writeConfigFile(t, "log-level: error\nstate-dir: /from/file\n")

	fs := newFlags(t)
	require.NoError(t, fs.Set("log-level", "warn"))

	cfg, err := config.Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/from/file", cfg.StateDir, "untouched flags must not mask file values")
}

func TestLoad_FlagsWithoutFile(t *testing.T) {
	fs := newFlags(t)
	require.NoError(t, fs.Set("roots", "/a,/b"))
	require.NoError(t, fs.Set("action-timeout", "90s"))

	cfg, err := config.Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Roots)
	assert.Equal(t, 90*time.Second, cfg.ActionTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"), newFlags(t))
	require.Error(t, err)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfigFile(t, "roots: [unterminated\n")
	_, err := config.Load(path, newFlags(t))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*config.Config) {},
		},
		{
			name:    "bad log format",
			mutate:  func(c *config.Config) { c.LogFormat = "yaml" },
			wantErr: "log-format",
		},
		{
			name:    "bad log level",
			mutate:  func(c *config.Config) { c.LogLevel = "loud" },
			wantErr: "log-level",
		},
		{
			name:    "empty state dir",
			mutate:  func(c *config.Config) { c.StateDir = "" },
			wantErr: "state-dir",
		},
		{
			name:    "negative idle timeout",
			mutate:  func(c *config.Config) { c.StreamIdleTimeout = -time.Second },
			wantErr: "stream-idle-timeout",
		},
		{
			name:    "negative action timeout",
			mutate:  func(c *config.Config) { c.ActionTimeout = -time.Second },
			wantErr: "action-timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_InvalidFileValueFailsValidation(t *testing.T) {
	path := writeConfigFile(t, "log-format: csv\n")
	_, err := config.Load(path, newFlags(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log-format")
}
