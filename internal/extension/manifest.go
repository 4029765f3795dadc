// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package extension implements the extension runtime: manifest discovery,
// the registry and lifecycle state machine, capability-gated loading and
// action dispatch.
package extension

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/cradlehq/cradle/internal/extension/semrange"
)

// ManifestFileName is the manifest file every extension directory carries.
const ManifestFileName = "extension.yaml"

// Runtime schemes accepted in entry_reference.
const (
	RuntimeLua     = "lua"
	RuntimeProcess = "process"
	RuntimeWasm    = "wasm"
)

// Manifest is the extension.yaml document describing one extension.
type Manifest struct {
	ID                  string       `yaml:"id" json:"id"`
	Version             string       `yaml:"version" json:"version"`
	EntryReference      string       `yaml:"entry_reference" json:"entry_reference"`
	DeclaredPermissions []string     `yaml:"declared_permissions,omitempty" json:"declared_permissions,omitempty"`
	Dependencies        []Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Actions             []Action     `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// Dependency names another extension this one needs at start.
type Dependency struct {
	PluginID     string `yaml:"plugin_id" json:"plugin_id"`
	VersionRange string `yaml:"version_range" json:"version_range"`
}

// Action declares one invocable entry point.
type Action struct {
	Name string `yaml:"name" json:"name"`
	// InputSchema is a JSON Schema document for the action's input.
	// Empty means any input is accepted.
	InputSchema map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	// StreamsOutput marks the action as producing a chunk stream
	// instead of one terminal value.
	StreamsOutput bool `yaml:"streams_output,omitempty" json:"streams_output,omitempty"`
}

// EntryRef is the parsed entry_reference: the runtime scheme and the
// runtime-specific path of the entry unit, relative to the extension
// directory.
type EntryRef struct {
	Runtime string
	Path    string
}

// maxIDLength bounds extension ids.
const maxIDLength = 64

// idPattern validates extension ids: lowercase alphanumeric with
// interior hyphens, starting with a letter.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// actionPattern validates action names: lowercase dotted segments, so a
// name embeds cleanly in an invoke.<action> capability token.
var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// ParseManifest parses and validates one extension.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, &ManifestError{Err: fmt.Errorf("manifest is empty")}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Err: fmt.Errorf("invalid YAML: %w", err)}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks manifest constraints. Every failure is a ManifestError.
func (m *Manifest) Validate() error {
	fail := func(format string, args ...any) error {
		return &ManifestError{Err: fmt.Errorf(format, args...)}
	}

	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fail("id %q must start with a-z, contain only a-z, 0-9 and interior hyphens", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fail("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}

	if m.Version == "" {
		return fail("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fail("version %q is not valid semver: %w", m.Version, err)
	}

	if _, err := m.EntryRef(); err != nil {
		return err
	}

	for i, perm := range m.DeclaredPermissions {
		if strings.TrimSpace(perm) == "" {
			return fail("declared_permissions[%d] is empty", i)
		}
	}

	seen := make(map[string]struct{}, len(m.Dependencies))
	for i, dep := range m.Dependencies {
		if dep.PluginID == "" || !idPattern.MatchString(dep.PluginID) {
			return fail("dependencies[%d]: plugin_id %q is not a valid extension id", i, dep.PluginID)
		}
		if dep.PluginID == m.ID {
			return fail("dependencies[%d]: extension cannot depend on itself", i)
		}
		if _, dup := seen[dep.PluginID]; dup {
			return fail("dependencies[%d]: duplicate dependency on %s", i, dep.PluginID)
		}
		seen[dep.PluginID] = struct{}{}
		if _, err := semrange.Parse(dep.VersionRange); err != nil {
			return fail("dependencies[%d] (%s): %w", i, dep.PluginID, err)
		}
	}

	names := make(map[string]struct{}, len(m.Actions))
	for i, action := range m.Actions {
		if action.Name == "" || !actionPattern.MatchString(action.Name) {
			return fail("actions[%d]: name %q must be lowercase dotted segments", i, action.Name)
		}
		if _, dup := names[action.Name]; dup {
			return fail("actions[%d]: duplicate action %q", i, action.Name)
		}
		names[action.Name] = struct{}{}
	}

	return nil
}

// EntryRef parses the manifest's entry_reference.
func (m *Manifest) EntryRef() (EntryRef, error) {
	fail := func(format string, args ...any) (EntryRef, error) {
		return EntryRef{}, &ManifestError{Err: fmt.Errorf(format, args...)}
	}

	scheme, path, ok := strings.Cut(m.EntryReference, ":")
	if !ok || scheme == "" || path == "" {
		return fail("entry_reference %q must be <runtime>:<path>", m.EntryReference)
	}
	switch scheme {
	case RuntimeLua, RuntimeProcess, RuntimeWasm:
	default:
		return fail("entry_reference runtime %q must be one of lua, process, wasm", scheme)
	}

	// The entry unit must live inside the extension directory.
	if filepath.IsAbs(path) {
		return fail("entry_reference path %q must be relative", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fail("entry_reference path %q escapes the extension directory", path)
	}

	return EntryRef{Runtime: scheme, Path: clean}, nil
}

// SemVer returns the parsed version. Only call after Validate.
func (m *Manifest) SemVer() (*semver.Version, error) {
	return semver.NewVersion(m.Version)
}

// Requirements converts the dependency list for the resolver. Only call
// after Validate.
func (m *Manifest) Requirements() ([]semrange.Requirement, error) {
	reqs := make([]semrange.Requirement, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		rng, err := semrange.Parse(dep.VersionRange)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, semrange.Requirement{ID: dep.PluginID, Range: rng})
	}
	return reqs, nil
}

// ActionNamed returns the declared action, nil when absent.
func (m *Manifest) ActionNamed(name string) *Action {
	for i := range m.Actions {
		if m.Actions[i].Name == name {
			return &m.Actions[i]
		}
	}
	return nil
}
