// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package hostfunc exposes host capabilities to extensions in a
// controlled way. A Surface is bound to one extension id and checks the
// enforcer before touching any host resource, so runtime adapters can
// hand the whole surface to untrusted code. Extensions never see store
// paths, bus internals or other extensions' namespaces.
package hostfunc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/cradlehq/cradle/internal/bus"
	"github.com/cradlehq/cradle/internal/extension/capability"
	"github.com/cradlehq/cradle/internal/state"
)

// Binder builds per-extension surfaces from the shared host services.
type Binder struct {
	store    *state.Store
	bus      *bus.Bus
	enforcer *capability.Enforcer
	logger   *slog.Logger
}

// NewBinder wires the host services every surface draws from.
func NewBinder(store *state.Store, b *bus.Bus, enforcer *capability.Enforcer, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{store: store, bus: b, enforcer: enforcer, logger: logger}
}

// Bind returns the host surface for one extension.
func (b *Binder) Bind(extension string) *Surface {
	return &Surface{
		extension: extension,
		ns:        b.store.Namespace(extension),
		bus:       b.bus,
		enforcer:  b.enforcer,
		logger:    b.logger.With("extension", extension),
	}
}

// Dispatcher routes an event-triggered action invocation back through
// the host's guarded dispatch path, so deliveries respect lifecycle
// state and resource ceilings like any other invocation.
type Dispatcher func(ctx context.Context, action string, input json.RawMessage) error

// Surface is the complete set of host functions one extension may call.
// Every method is capability-gated; a missing grant surfaces as a
// capability.DeniedError, never as partial behavior.
type Surface struct {
	extension string
	ns        *state.Namespace
	bus       *bus.Bus
	enforcer  *capability.Enforcer
	logger    *slog.Logger

	mu         sync.Mutex
	subs       []*bus.Subscription
	dispatch   Dispatcher
	actionSubs map[string]func()
}

// Extension returns the bound extension id.
func (s *Surface) Extension() string { return s.extension }

// Logger returns the extension-scoped logger. Logging needs no grant.
func (s *Surface) Logger() *slog.Logger { return s.logger }

// StateSave persists one pre-encoded JSON document in the extension's
// namespace.
func (s *Surface) StateSave(ctx context.Context, key string, doc json.RawMessage) error {
	if err := s.enforcer.Require(s.extension, capability.TokenStateWrite); err != nil {
		return err
	}
	return s.ns.SaveRaw(ctx, key, doc)
}

// StateLoad reads one document. found=false when the key was never
// written or was deleted.
func (s *Surface) StateLoad(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if err := s.enforcer.Require(s.extension, capability.TokenStateRead); err != nil {
		return nil, false, err
	}
	return s.ns.LoadRaw(ctx, key)
}

// StateDelete removes one key. Deleting a missing key is a no-op.
func (s *Surface) StateDelete(ctx context.Context, key string) error {
	if err := s.enforcer.Require(s.extension, capability.TokenStateDelete); err != nil {
		return err
	}
	return s.ns.Delete(ctx, key)
}

// EventPublish emits an event sourced from the extension.
func (s *Surface) EventPublish(ctx context.Context, eventType string, payload json.RawMessage) error {
	if err := s.enforcer.Require(s.extension, capability.TokenEventsPublish); err != nil {
		return err
	}
	s.bus.Publish(ctx, bus.Event{
		Type:    eventType,
		Source:  s.extension,
		Payload: payload,
	})
	return nil
}

// EventSubscribe registers a handler for an event type on the
// extension's behalf. The subscription lives until the returned cancel
// runs or the surface is released.
func (s *Surface) EventSubscribe(eventType string, h bus.Handler, opts ...bus.SubscribeOption) (cancel func(), err error) {
	if err := s.enforcer.Require(s.extension, capability.TokenEventsSubscribe); err != nil {
		return nil, err
	}

	sub := s.bus.Subscribe(eventType, h, opts...)
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() {
		s.bus.Unsubscribe(sub)
		s.mu.Lock()
		for i, existing := range s.subs {
			if existing == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}, nil
}

// SetDispatcher installs the callback SubscribeAction deliveries run
// through. The loader installs it right after binding; a surface
// without one rejects action subscriptions.
func (s *Surface) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatch = d
	s.mu.Unlock()
}

// SubscribeAction arranges for an action of the bound extension to run
// whenever an event of the given type is published. The event envelope
// is passed to the action as its input document. Subscribing the same
// (event, action) pair again is a no-op returning the existing cancel,
// so extension code that runs its registration path repeatedly does not
// stack duplicate deliveries.
func (s *Surface) SubscribeAction(eventType, action string, opts ...bus.SubscribeOption) (cancel func(), err error) {
	s.mu.Lock()
	dispatch := s.dispatch
	key := eventType + "\x00" + action
	if existing, ok := s.actionSubs[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()
	if dispatch == nil {
		return nil, oops.In("hostfunc").
			With("extension", s.extension).
			Errorf("surface has no dispatcher installed")
	}

	inner, err := s.EventSubscribe(eventType, func(ctx context.Context, ev bus.Event) error {
		envelope, err := ev.Envelope()
		if err != nil {
			return err
		}
		return dispatch(ctx, action, envelope)
	}, opts...)
	if err != nil {
		return nil, err
	}

	cancel = func() {
		inner()
		s.mu.Lock()
		delete(s.actionSubs, key)
		s.mu.Unlock()
	}
	s.mu.Lock()
	if s.actionSubs == nil {
		s.actionSubs = make(map[string]func())
	}
	s.actionSubs[key] = cancel
	s.mu.Unlock()
	return cancel, nil
}

// Release drops every live subscription. The loader calls it when the
// extension unloads so nothing keeps delivering into a dead extension.
func (s *Surface) Release() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.actionSubs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
}
