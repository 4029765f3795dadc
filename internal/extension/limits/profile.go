// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package limits defines per-extension resource ceilings and the
// enforcement helpers applied at the action invocation boundary.
package limits

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile bounds one extension's action invocations. A zero field means
// "no explicit value": Merge fills it from a base profile. In a fully
// merged profile a remaining zero disables that ceiling.
type Profile struct {
	// MaxCPU caps cumulative CPU time of an isolated worker process.
	MaxCPU time.Duration
	// MaxMemoryBytes caps resident memory of the execution sandbox.
	MaxMemoryBytes int64
	// ActionTimeout is the wall-clock ceiling per invocation.
	ActionTimeout time.Duration
	// MaxOutputBytes caps cumulative output per invocation, terminal
	// value and stream chunks alike.
	MaxOutputBytes int64
	// MaxConcurrent caps in-flight invocations per extension.
	MaxConcurrent int64
}

// DefaultProfile is the ceiling set applied where policy does not say
// otherwise.
func DefaultProfile() Profile {
	return Profile{
		MaxCPU:         10 * time.Second,
		MaxMemoryBytes: 256 << 20,
		ActionTimeout:  30 * time.Second,
		MaxOutputBytes: 8 << 20,
		MaxConcurrent:  16,
	}
}

// Merge returns p with every zero field replaced by the corresponding
// field of base.
func (p Profile) Merge(base Profile) Profile {
	if p.MaxCPU == 0 {
		p.MaxCPU = base.MaxCPU
	}
	if p.MaxMemoryBytes == 0 {
		p.MaxMemoryBytes = base.MaxMemoryBytes
	}
	if p.ActionTimeout == 0 {
		p.ActionTimeout = base.ActionTimeout
	}
	if p.MaxOutputBytes == 0 {
		p.MaxOutputBytes = base.MaxOutputBytes
	}
	if p.MaxConcurrent == 0 {
		p.MaxConcurrent = base.MaxConcurrent
	}
	return p
}

// IsZero reports whether no field is set.
func (p Profile) IsZero() bool {
	return p == Profile{}
}

// profileDoc is the YAML shape: durations as time.ParseDuration strings,
// sizes as ParseBytes strings.
type profileDoc struct {
	MaxCPU        string `yaml:"max_cpu"`
	MaxMemory     string `yaml:"max_memory"`
	ActionTimeout string `yaml:"action_timeout"`
	MaxOutput     string `yaml:"max_output"`
	MaxConcurrent int64  `yaml:"max_concurrent"`
}

// UnmarshalYAML decodes the policy-file representation of a profile.
func (p *Profile) UnmarshalYAML(value *yaml.Node) error {
	var doc profileDoc
	if err := value.Decode(&doc); err != nil {
		return err
	}

	var out Profile
	var err error
	if doc.MaxCPU != "" {
		if out.MaxCPU, err = time.ParseDuration(doc.MaxCPU); err != nil {
			return fmt.Errorf("max_cpu: %w", err)
		}
	}
	if doc.MaxMemory != "" {
		if out.MaxMemoryBytes, err = ParseBytes(doc.MaxMemory); err != nil {
			return fmt.Errorf("max_memory: %w", err)
		}
	}
	if doc.ActionTimeout != "" {
		if out.ActionTimeout, err = time.ParseDuration(doc.ActionTimeout); err != nil {
			return fmt.Errorf("action_timeout: %w", err)
		}
	}
	if doc.MaxOutput != "" {
		if out.MaxOutputBytes, err = ParseBytes(doc.MaxOutput); err != nil {
			return fmt.Errorf("max_output: %w", err)
		}
	}
	out.MaxConcurrent = doc.MaxConcurrent

	*p = out
	return nil
}

// ParseBytes parses a byte size: a bare integer is bytes, and the
// suffixes KB, MB, GB scale by 1024. Suffix match is case-insensitive.
func ParseBytes(s string) (int64, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	upper := strings.ToUpper(str)
	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1 << 10
		str = str[:len(str)-2]
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1 << 20
		str = str[:len(str)-2]
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1 << 30
		str = str[:len(str)-2]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return n * multiplier, nil
}
