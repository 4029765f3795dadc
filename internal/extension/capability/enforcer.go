// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package capability enforces the permission grants the host policy
// authorizes for each extension.
//
// Tokens are dot-separated and matched with gobwas/glob using '.' as the
// segment separator:
//   - '*' matches one segment ("state.*" matches "state.read", not
//     "state.read.nested")
//   - '**' crosses segments ("invoke.**" matches every invoke token)
//
// Everything not covered by a grant is denied.
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// compiledGrant pairs a pattern with its compiled matcher.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer answers "may extension X use token Y" at runtime.
//
// Safe for concurrent use; the zero value works without NewEnforcer.
type Enforcer struct {
	grants map[string][]compiledGrant // extension id -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// Install replaces an extension's grant set. Every pattern is compiled
// before the enforcer is touched, so one invalid pattern rejects the
// whole set and leaves prior grants intact. The patterns slice is
// copied; callers may reuse it.
func (e *Enforcer) Install(extension string, patterns []string) error {
	if extension == "" {
		return errors.New("extension id cannot be empty")
	}

	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return fmt.Errorf("grant %d: empty pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("grant %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[extension] = compiled
	return nil
}

// Remove drops an extension's grants. Unknown extensions are a no-op.
func (e *Enforcer) Remove(extension string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		return
	}
	delete(e.grants, extension)
}

// Installed reports whether the extension has a grant set, which
// distinguishes "never initialized" from "initialized with no grants".
func (e *Enforcer) Installed(extension string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[extension]
	return ok
}

// Grants returns a defensive copy of an extension's grant patterns, nil
// when the extension is unknown.
func (e *Enforcer) Grants(extension string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	grants, ok := e.grants[extension]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check reports whether the extension holds a grant matching the token.
// Unknown extensions, empty ids and empty tokens are all denied; there
// is no error path, denial is the default.
func (e *Enforcer) Check(extension, token string) bool {
	if token == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, grant := range e.grants[extension] {
		if grant.glob.Match(token) {
			return true
		}
	}
	return false
}

// Require is Check with a typed failure for call sites that propagate
// the denial.
func (e *Enforcer) Require(extension, token string) error {
	if e.Check(extension, token) {
		return nil
	}
	return &DeniedError{Extension: extension, Denied: []string{token}}
}
