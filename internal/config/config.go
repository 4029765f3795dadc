// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package config loads the host's runtime configuration. The effective
// configuration is Default overlaid by the config file overlaid by
// command-line flags; a flag left at its default never masks a file
// value.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/cradlehq/cradle/internal/logging"
	"github.com/cradlehq/cradle/internal/stream"
	"github.com/cradlehq/cradle/internal/xdg"
)

// Config is the host's runtime configuration.
type Config struct {
	// Roots are the directories scanned for extensions, in
	// duplicate-resolution order: earlier roots win an id.
	Roots []string `koanf:"roots"`
	// StateDir is the durable state store root.
	StateDir string `koanf:"state-dir"`
	// Policy is the policy file path. Empty selects the built-in
	// default policy.
	Policy string `koanf:"policy"`
	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log-format"`
	// LogLevel is the minimum level emitted.
	LogLevel string `koanf:"log-level"`
	// MetricsAddr is the observability listen address. Empty disables
	// the server.
	MetricsAddr string `koanf:"metrics-addr"`
	// StreamIdleTimeout reclaims streaming invocations nobody pulls.
	StreamIdleTimeout time.Duration `koanf:"stream-idle-timeout"`
	// ActionTimeout is the wall-clock ceiling applied where policy does
	// not set one.
	ActionTimeout time.Duration `koanf:"action-timeout"`
}

// Default returns the configuration used where neither file nor flags
// say otherwise.
func Default() *Config {
	return &Config{
		Roots:             []string{xdg.ExtensionsDir()},
		StateDir:          filepath.Join(xdg.StateDir(), "state"),
		LogFormat:         "json",
		LogLevel:          "info",
		MetricsAddr:       "127.0.0.1:9100",
		StreamIdleTimeout: stream.DefaultIdleTimeout,
		ActionTimeout:     30 * time.Second,
	}
}

// RegisterFlags declares the shared configuration flags with their
// defaults on fs. Commands register once and hand the same flag set to
// Load so flag names and config keys stay identical.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringSlice("roots", d.Roots, "extension root directories (repeatable)")
	fs.String("state-dir", d.StateDir, "durable state store root")
	fs.String("policy", "", "policy file path (empty = built-in default policy)")
	fs.String("log-format", d.LogFormat, "log format (json or text)")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("metrics-addr", d.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.Duration("stream-idle-timeout", d.StreamIdleTimeout, "reclaim streaming invocations idle this long")
	fs.Duration("action-timeout", d.ActionTimeout, "default wall-clock ceiling per action invocation")
}

// Load builds and validates the effective configuration. path may be
// empty (no config file) and flags may be nil (defaults only).
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("config").
				With("path", path).
				Wrapf(err, "loading config file")
		}
	}
	if flags != nil {
		// posflag keeps k's existing value for flags the caller did not
		// change, so file settings survive under flag defaults.
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.In("config").Wrapf(err, "merging command-line flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.In("config").Wrapf(err, "decoding configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field-level constraints.
func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log-format must be 'json' or 'text', got %q", c.LogFormat)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state-dir is required")
	}
	if c.StreamIdleTimeout < 0 {
		return fmt.Errorf("stream-idle-timeout must not be negative")
	}
	if c.ActionTimeout < 0 {
		return fmt.Errorf("action-timeout must not be negative")
	}
	return nil
}
