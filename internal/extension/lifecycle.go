// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import (
	"context"
	"errors"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/cradlehq/cradle/internal/extension/semrange"
)

// Initialize moves a REGISTERED extension to INITIALIZED. Permissions
// are resolved against policy and installed first; a denial leaves the
// entry REGISTERED with nothing granted. A failing init hook lands the
// entry in ERROR.
func (m *Manager) Initialize(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	t, err := m.initializeEntry(ctx, entry)
	m.announce(ctx, t)
	return err
}

func (m *Manager) initializeEntry(ctx context.Context, entry *Entry) (transition, error) {
	id := entry.ID()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state != StateRegistered {
		return transition{}, &TransitionError{Extension: id, From: entry.state, Op: "initialize"}
	}

	granted, err := m.policy.Resolve(id, entry.manifest.DeclaredPermissions)
	if err != nil {
		// Denied permissions are not a lifecycle failure; the entry
		// stays REGISTERED and nothing is granted.
		return transition{}, err
	}
	if err := m.enforcer.Install(id, granted); err != nil {
		return transition{}, oops.In("extension").
			With("extension", id).
			Wrapf(err, "installing capability grants")
	}

	if err := entry.instance.Init(ctx); err != nil {
		m.enforcer.Remove(id)
		entry.state = StateError
		entry.lastErr = err
		return transition{id: id, from: StateRegistered, to: StateError, fire: true},
			oops.In("extension").With("extension", id).Wrapf(err, "init hook failed")
	}

	entry.state = StateInitialized
	return transition{id: id, from: StateRegistered, to: StateInitialized, fire: true}, nil
}

// Start moves an INITIALIZED or STOPPED extension to STARTED. Every
// declared dependency range must be satisfied by an extension currently
// INITIALIZED or STARTED; the host never starts dependencies on the
// caller's behalf. An unsatisfied range surfaces as a
// semrange.ResolutionError and leaves the entry where it was.
func (m *Manager) Start(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	// Snapshot outside the entry lock: the snapshot reads other
	// entries' states, and two starts holding their own locks while
	// reading each other would deadlock.
	available := m.registry.VersionSnapshot(StateInitialized, StateStarted)

	t, err := m.startEntry(ctx, entry, available)
	m.announce(ctx, t)
	return err
}

func (m *Manager) startEntry(ctx context.Context, entry *Entry, available map[string]*semver.Version) (transition, error) {
	id := entry.ID()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state != StateInitialized && entry.state != StateStopped {
		return transition{}, &TransitionError{Extension: id, From: entry.state, Op: "start"}
	}

	reqs, err := entry.manifest.Requirements()
	if err != nil {
		return transition{}, oops.In("extension").With("extension", id).Wrap(err)
	}
	if res := semrange.Resolve(available, reqs); !res.OK() {
		return transition{}, &semrange.ResolutionError{Extension: id, Unsatisfied: res.Unsatisfied}
	}

	from := entry.state
	if err := entry.instance.Start(ctx); err != nil {
		entry.state = StateError
		entry.lastErr = err
		return transition{id: id, from: from, to: StateError, fire: true},
			oops.In("extension").With("extension", id).Wrapf(err, "start hook failed")
	}

	entry.state = StateStarted
	return transition{id: id, from: from, to: StateStarted, fire: true}, nil
}

// Stop moves a STARTED extension to STOPPED. Persisted state and the
// registry entry survive; subscriptions stay registered but deliveries
// to a stopped extension are rejected by the dispatch gate. A failing
// stop hook lands the entry in ERROR.
func (m *Manager) Stop(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}

	t, err := m.stopEntry(ctx, entry)
	m.announce(ctx, t)
	return err
}

func (m *Manager) stopEntry(ctx context.Context, entry *Entry) (transition, error) {
	id := entry.ID()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state != StateStarted {
		return transition{}, &TransitionError{Extension: id, From: entry.state, Op: "stop"}
	}

	if err := entry.instance.Stop(ctx); err != nil {
		entry.state = StateError
		entry.lastErr = err
		return transition{id: id, from: StateStarted, to: StateError, fire: true},
			oops.In("extension").With("extension", id).Wrapf(err, "stop hook failed")
	}

	entry.state = StateStopped
	return transition{id: id, from: StateStarted, to: StateStopped, fire: true}, nil
}

// Unload tears an extension down from any state and removes it from the
// registry: subscriptions are cancelled, grants revoked, the instance
// closed. Unloading an unknown or already-unloaded id is a no-op.
// Teardown failures are reported but never block the removal.
func (m *Manager) Unload(ctx context.Context, id string) error {
	entry, ok := m.registry.Get(id)
	if !ok {
		return nil
	}

	entry.mu.Lock()
	if entry.state == StateUnloaded {
		entry.mu.Unlock()
		return nil
	}
	from := entry.state

	if entry.state == StateStarted {
		if err := entry.instance.Stop(ctx); err != nil {
			m.logger.Warn("stop hook failed during unload",
				"extension", id, "error", err)
		}
	}

	entry.surface.Release()
	m.enforcer.Remove(id)

	var closeErr error
	if entry.instance != nil {
		closeErr = entry.instance.Close(ctx)
	}
	entry.state = StateUnloaded
	entry.mu.Unlock()

	m.registry.Remove(id)
	m.metrics.RegistrySize(m.registry.Len())
	m.announce(ctx, transition{id: id, from: from, to: StateUnloaded, fire: true})

	if closeErr != nil {
		return oops.In("extension").With("extension", id).Wrapf(closeErr, "closing instance")
	}
	return nil
}

// InitializeAll initializes every REGISTERED entry in registration
// order, continuing past failures. It returns each failure keyed by
// extension id; an empty map means every eligible entry initialized.
func (m *Manager) InitializeAll(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for _, entry := range m.registry.List() {
		if entry.State() != StateRegistered {
			continue
		}
		if err := m.Initialize(ctx, entry.ID()); err != nil {
			failed[entry.ID()] = err
			m.logger.Error("extension initialization failed",
				"extension", entry.ID(), "error", err)
		}
	}
	return failed
}

// StartAll starts every INITIALIZED entry, dependencies before
// dependents, continuing past failures. A started dependency is visible
// to its dependents' start hooks, not just to range resolution.
func (m *Manager) StartAll(ctx context.Context) map[string]error {
	failed := make(map[string]error)
	for _, entry := range m.startOrder() {
		if err := m.Start(ctx, entry.ID()); err != nil {
			failed[entry.ID()] = err
			m.logger.Error("extension start failed",
				"extension", entry.ID(), "error", err)
		}
	}
	return failed
}

// startOrder orders the INITIALIZED entries so every dependency precedes
// its dependents. Peers keep registration order. Edges to ids outside
// the set order nothing; Start gates those per entry.
func (m *Manager) startOrder() []*Entry {
	var pending []*Entry
	index := make(map[string]int)
	for _, entry := range m.registry.List() {
		if entry.State() != StateInitialized {
			continue
		}
		index[entry.ID()] = len(pending)
		pending = append(pending, entry)
	}

	indegree := make([]int, len(pending))
	dependents := make([][]int, len(pending))
	for i, entry := range pending {
		for _, dep := range entry.manifest.Dependencies {
			j, ok := index[dep.PluginID]
			if !ok || j == i {
				continue
			}
			dependents[j] = append(dependents[j], i)
			indegree[i]++
		}
	}

	ordered := make([]*Entry, 0, len(pending))
	done := make([]bool, len(pending))
	for len(ordered) < len(pending) {
		picked := -1
		for i := range pending {
			if !done[i] && indegree[i] == 0 {
				picked = i
				break
			}
		}
		if picked < 0 {
			// Dependency cycle. The members keep registration order;
			// each Start still resolves its own ranges.
			for i := range pending {
				if !done[i] {
					ordered = append(ordered, pending[i])
				}
			}
			break
		}
		done[picked] = true
		ordered = append(ordered, pending[picked])
		for _, d := range dependents[picked] {
			indegree[d]--
		}
	}
	return ordered
}

// UnloadAll unloads every entry in reverse registration order, so
// dependents tear down before what they depend on. All teardown errors
// are joined.
func (m *Manager) UnloadAll(ctx context.Context) error {
	entries := m.registry.List()
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := m.Unload(ctx, entries[i].ID()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
