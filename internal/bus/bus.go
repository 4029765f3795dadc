// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultDeliveryTimeout bounds how long one subscriber may hold a publish.
const DefaultDeliveryTimeout = 5 * time.Second

// Handler receives a published event. A handler error is logged and never
// propagates to the publisher.
type Handler func(ctx context.Context, ev Event) error

// subscription tracks one subscriber of an event type.
type subscription struct {
	eventType string
	handler   Handler
	priority  int
	source    string // empty = any source
	seq       uint64 // registration order, breaks priority ties
}

// Subscription is the handle returned by Subscribe; pass it to Unsubscribe.
type Subscription struct {
	sub *subscription
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithPriority orders dispatch; higher priority handlers run first.
// The default priority is 0.
func WithPriority(p int) SubscribeOption {
	return func(s *subscription) { s.priority = p }
}

// WithSourceFilter restricts delivery to events published by one source.
func WithSourceFilter(source string) SubscribeOption {
	return func(s *subscription) { s.source = source }
}

// Option configures a Bus.
type Option func(*Bus)

// WithDeliveryTimeout overrides the per-handler delivery timeout.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Bus) { b.timeout = d }
}

// WithObserver registers a callback invoked for every published event,
// after ID and Timestamp are stamped. Observers run on the publisher's
// goroutine and must be fast.
func WithObserver(fn func(Event)) Option {
	return func(b *Bus) { b.observer = fn }
}

// Bus dispatches events to subscribers in priority order.
//
// Publish runs handlers synchronously so ordering guarantees hold; each
// handler gets a bounded context and a panic in one handler never reaches
// the publisher or other handlers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]*subscription
	nextSeq  uint64
	timeout  time.Duration
	logger   *slog.Logger
	observer func(Event)
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]*subscription),
		timeout: DefaultDeliveryTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType string, h Handler, opts ...SubscribeOption) *Subscription {
	sub := &subscription{
		eventType: eventType,
		handler:   h,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub.seq = b.nextSeq
	b.nextSeq++

	// Insert keeping the slice ordered: priority descending, then
	// registration order. Dispatch then just walks the snapshot.
	list := b.subs[eventType]
	pos := len(list)
	for i, existing := range list {
		if sub.priority > existing.priority {
			pos = i
			break
		}
	}
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = sub
	b.subs[eventType] = list

	return &Subscription{sub: sub}
}

// Unsubscribe removes a subscription. Removing an already-removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil || s.sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.sub.eventType]
	for i, existing := range list {
		if existing == s.sub {
			b.subs[s.sub.eventType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to all matching subscribers in priority order.
// A zero ID or Timestamp is filled in.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == (ulid.ULID{}) {
		ev.ID = NewULID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if b.observer != nil {
		b.observer(ev)
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs[ev.Type]))
	for _, sub := range b.subs[ev.Type] {
		if sub.source != "" && sub.source != ev.Source {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	// Handlers run outside the lock so they may subscribe/unsubscribe.
	for _, sub := range matched {
		b.deliver(ctx, sub, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", ev.Type,
				"event_id", ev.ID.String(),
				"panic", r,
			)
		}
	}()

	if err := sub.handler(ctx, ev); err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			b.logger.Warn("event delivery timed out",
				"event_type", ev.Type,
				"event_id", ev.ID.String(),
				"source", ev.Source,
				"timeout", b.timeout.String(),
			)
		case errors.Is(err, context.Canceled):
			b.logger.Debug("event delivery canceled",
				"event_type", ev.Type,
				"event_id", ev.ID.String(),
			)
		default:
			b.logger.Error("event handler failed",
				"event_type", ev.Type,
				"event_id", ev.ID.String(),
				"source", ev.Source,
				"error", err,
			)
		}
	}
}
