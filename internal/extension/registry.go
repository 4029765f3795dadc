// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
)

// Entry is one registered extension: its manifest, its runtime
// materialization and its lifecycle position. The registry holds exactly
// one entry per id.
type Entry struct {
	// mu serializes lifecycle transitions on this entry. Reads of the
	// lifecycle position go through State(), which takes the same lock.
	mu sync.Mutex

	manifest *Manifest
	version  *semver.Version
	dir      string
	runtime  string

	state    State
	instance Instance
	surface  *hostfunc.Surface
	guard    *limits.Guard
	schemas  map[string]*jschema.Schema
	lastErr  error
}

// ID returns the extension id.
func (e *Entry) ID() string { return e.manifest.ID }

// Manifest returns the entry's manifest. Treat it as read-only.
func (e *Entry) Manifest() *Manifest { return e.manifest }

// Version returns the parsed manifest version.
func (e *Entry) Version() *semver.Version { return e.version }

// Dir returns the extension's directory.
func (e *Entry) Dir() string { return e.dir }

// RuntimeScheme returns the entry_reference runtime.
func (e *Entry) RuntimeScheme() string { return e.runtime }

// State returns the current lifecycle position.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the failure that put the entry in StateError, nil
// otherwise.
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateError {
		return nil
	}
	return e.lastErr
}

// Registry is the shared extension table. Adds and removes are
// serialized; lookups take a read lock. Lifecycle transitions lock the
// individual entry, never the registry, so independent extensions
// transition concurrently.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add commits one entry. The id must be free; duplicate policy (first
// wins, warn) is decided by the caller before Add.
func (r *Registry) Add(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := e.ID()
	if _, taken := r.entries[id]; taken {
		return fmt.Errorf("extension id %q is already registered", id)
	}
	r.entries[id] = e
	r.order = append(r.order, id)
	return nil
}

// Get looks up an entry by id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Has reports whether an id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Remove drops an entry. Unknown ids are a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// List returns the entries in registration order.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// VersionSnapshot returns id → version for every entry currently in one
// of the given states. The resolver consumes this to gate starts; with
// no states given, every entry is included.
func (r *Registry) VersionSnapshot(states ...State) map[string]*semver.Version {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	// Entry states are read outside the registry lock: State() takes the
	// entry lock and a transition holding it may be registry-querying.
	snapshot := make(map[string]*semver.Version, len(entries))
	for _, e := range entries {
		if len(states) > 0 {
			current := e.State()
			match := false
			for _, s := range states {
				if current == s {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		snapshot[e.ID()] = e.version
	}
	return snapshot
}
