// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"

	"github.com/cradlehq/cradle/internal/bus"
	"github.com/cradlehq/cradle/internal/extension/capability"
	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
	"github.com/cradlehq/cradle/internal/stream"
)

// Manager owns the extension registry and drives every lifecycle
// transition and action dispatch through it. All policy decisions
// (permissions, limits, dependency gating) happen here; runtime adapters
// only load and execute code.
type Manager struct {
	registry *Registry
	enforcer *capability.Enforcer
	binder   *hostfunc.Binder
	bus      *bus.Bus

	policy     *capability.Policy
	runtimes   map[string]Runtime
	monitor    *limits.Monitor
	metrics    *Metrics
	logger     *slog.Logger
	streamIdle time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRuntime registers a runtime adapter under its scheme. Manifests
// whose entry_reference names an unregistered scheme fail to load.
func WithRuntime(r Runtime) ManagerOption {
	return func(m *Manager) { m.runtimes[r.Scheme()] = r }
}

// WithPolicy sets the permission and limits policy. Without it the
// built-in default policy applies.
func WithPolicy(p *capability.Policy) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithMetrics attaches lifecycle and invocation metrics.
func WithMetrics(mx *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mx }
}

// WithMonitor attaches the limit-violation monitor shared with guards
// and watchdogs.
func WithMonitor(mon *limits.Monitor) ManagerOption {
	return func(m *Manager) { m.monitor = mon }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithStreamIdleTimeout overrides how long a streaming invocation may
// sit unconsumed before the host reclaims it.
func WithStreamIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.streamIdle = d }
}

// NewManager wires a manager over the shared host services.
func NewManager(registry *Registry, enforcer *capability.Enforcer, binder *hostfunc.Binder, eventBus *bus.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:   registry,
		enforcer:   enforcer,
		binder:     binder,
		bus:        eventBus,
		policy:     capability.DefaultPolicy(),
		runtimes:   make(map[string]Runtime),
		logger:     slog.Default(),
		streamIdle: stream.DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the underlying registry for catalog queries.
func (m *Manager) Registry() *Registry { return m.registry }

// Register validates, loads and catalogs one discovered extension. The
// entry lands in REGISTERED, or in ERROR with the load failure recorded
// when the runtime cannot materialize it; either way it is visible in
// the registry afterwards. A duplicate id is an error.
func (m *Manager) Register(ctx context.Context, d Discovered) (*Entry, error) {
	man := d.Manifest

	version, err := man.SemVer()
	if err != nil {
		return nil, &ManifestError{Path: d.Dir, Err: err}
	}
	ref, err := man.EntryRef()
	if err != nil {
		return nil, err
	}

	profile := m.policy.ProfileFor(man.ID)
	entry := &Entry{
		manifest: man,
		version:  version,
		dir:      d.Dir,
		runtime:  ref.Runtime,
		state:    StateRegistered,
		guard:    limits.NewGuard(man.ID, profile, m.monitor),
		surface:  m.binder.Bind(man.ID),
	}
	entry.surface.SetDispatcher(m.eventDispatcher(man.ID))

	loadErr := m.materialize(ctx, entry, ref, profile)
	if loadErr != nil {
		lerr := &LoadError{Extension: man.ID, Runtime: ref.Runtime, Err: loadErr}
		entry.state = StateError
		entry.lastErr = lerr
		if err := m.registry.Add(entry); err != nil {
			return nil, err
		}
		m.metrics.RegistrySize(m.registry.Len())
		m.metrics.Transition(man.ID, StateRegistered, StateError)
		m.publishLifecycle(ctx, man.ID, "", StateError)
		m.logger.Error("extension failed to load",
			"extension", man.ID, "runtime", ref.Runtime, "dir", d.Dir, "error", loadErr)
		return entry, lerr
	}

	if err := m.registry.Add(entry); err != nil {
		if entry.instance != nil {
			_ = entry.instance.Close(ctx)
		}
		return nil, err
	}
	m.metrics.RegistrySize(m.registry.Len())
	m.metrics.Transition(man.ID, StateRegistered, StateRegistered)
	m.publishLifecycle(ctx, man.ID, "", StateRegistered)
	m.logger.Info("extension registered",
		"extension", man.ID, "version", man.Version, "runtime", ref.Runtime, "dir", d.Dir)
	return entry, nil
}

// materialize compiles the entry's action schemas and loads its runtime
// instance. Any failure becomes the entry's load error.
func (m *Manager) materialize(ctx context.Context, entry *Entry, ref EntryRef, profile limits.Profile) error {
	man := entry.manifest

	entry.schemas = make(map[string]*jschema.Schema, len(man.Actions))
	for i := range man.Actions {
		action := &man.Actions[i]
		if action.InputSchema == nil {
			continue
		}
		sch, err := CompileActionSchema(action.InputSchema)
		if err != nil {
			return fmt.Errorf("action %q input schema: %w", action.Name, err)
		}
		entry.schemas[action.Name] = sch
	}

	runtime, ok := m.runtimes[ref.Runtime]
	if !ok {
		return fmt.Errorf("no runtime registered for scheme %q", ref.Runtime)
	}
	if !runtime.Isolated() && !m.policy.AllowInProcess(man.ID) {
		return fmt.Errorf("policy tier %q forbids in-process execution", m.policy.TierOf(man.ID))
	}

	instance, err := runtime.Load(ctx, man, entry.dir, entry.surface, profile)
	if err != nil {
		return err
	}
	entry.instance = instance
	return nil
}

// RegisterAll registers a scan result batch. When two directories claim
// the same id within the batch the first wins; later claimants are
// logged with both versions and skipped. Ids registered before the batch
// are skipped quietly, which makes rescans cheap. Load failures still
// produce (ERROR) entries, so the returned slice covers everything the
// batch added to the registry.
func (m *Manager) RegisterAll(ctx context.Context, discovered []Discovered) []*Entry {
	entries := make([]*Entry, 0, len(discovered))
	fresh := make(map[string]bool, len(discovered))
	for _, d := range discovered {
		if existing, ok := m.registry.Get(d.Manifest.ID); ok {
			if !fresh[d.Manifest.ID] {
				// Present before this pass: a rescan found an
				// extension that is already running. Not a conflict.
				m.logger.Debug("extension already registered, skipping",
					"extension", d.Manifest.ID, "dir", d.Dir)
				continue
			}
			m.metrics.DuplicateManifest()
			m.logger.Warn("duplicate extension id, keeping first registration",
				"extension", d.Manifest.ID,
				"kept_version", existing.Version().String(),
				"kept_dir", existing.Dir(),
				"skipped_version", d.Manifest.Version,
				"skipped_dir", d.Dir)
			continue
		}
		entry, err := m.Register(ctx, d)
		if entry != nil {
			entries = append(entries, entry)
			fresh[d.Manifest.ID] = true
		}
		if err != nil && entry == nil {
			m.logger.Error("extension registration failed",
				"extension", d.Manifest.ID, "dir", d.Dir, "error", err)
		}
	}
	return entries
}

// entry resolves an id or reports it unknown.
func (m *Manager) entry(id string) (*Entry, error) {
	e, ok := m.registry.Get(id)
	if !ok {
		return nil, oops.In("extension").
			Code("not_registered").
			With("extension", id).
			Errorf("extension %q is not registered", id)
	}
	return e, nil
}

// transition captures a committed state change to announce after the
// entry lock is released; publishing under the lock could deadlock a
// subscriber that transitions the same entry.
type transition struct {
	id       string
	from, to State
	fire     bool
}

func (m *Manager) announce(ctx context.Context, t transition) {
	if !t.fire {
		return
	}
	m.metrics.Transition(t.id, t.from, t.to)
	m.publishLifecycle(ctx, t.id, t.from.String(), t.to)
	m.logger.Info("extension lifecycle transition",
		"extension", t.id, "from", t.from.String(), "to", t.to.String())
}

func (m *Manager) publishLifecycle(ctx context.Context, id, from string, to State) {
	payload, err := json.Marshal(bus.LifecyclePayload{Extension: id, From: from, To: to.String()})
	if err != nil {
		return
	}
	m.bus.Publish(ctx, bus.Event{
		Type:    bus.TypeLifecycle,
		Source:  bus.SourceHost,
		Payload: payload,
	})
}
