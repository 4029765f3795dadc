// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package stream implements the pull-based result streams returned by
// streaming extension actions. A stream is finite, ordered, and cancellable;
// the producer is strictly consumer-paced.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a stream waits between pulls before the
// producer is cancelled. A consumer that stops pulling for longer has
// abandoned the stream.
const DefaultIdleTimeout = 30 * time.Second

// ErrClosed is returned by Next after Close (explicit or via idle timeout).
var ErrClosed = errors.New("stream is closed")

// ConsumptionError reports a producer fault. It surfaces on the pull after
// the last successfully delivered chunk; chunks already delivered remain
// valid.
type ConsumptionError struct {
	Err error
}

func (e *ConsumptionError) Error() string {
	return fmt.Sprintf("stream producer failed: %v", e.Err)
}

func (e *ConsumptionError) Unwrap() error { return e.Err }

// Stream is the consumer side of a streaming action result.
//
// Next blocks until the producer's next chunk and returns io.EOF once the
// producer finished cleanly. After an error or EOF every further Next
// returns the same result. A stream has a single consumer: Next must not be
// called concurrently. Close may be called from any goroutine.
type Stream interface {
	Next(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// EmitFunc delivers one chunk to the consumer. It suspends the producer
// until the next pull arrives and returns the producer context's error when
// the stream is cancelled.
type EmitFunc func(chunk json.RawMessage) error

// Producer generates chunks by calling emit. Returning nil ends the stream
// cleanly; returning an error surfaces it to the consumer at the next pull.
type Producer func(ctx context.Context, emit EmitFunc) error

// Option configures a stream.
type Option func(*pullStream)

// WithIdleTimeout overrides the idle timeout. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *pullStream) { s.idle = d }
}

type pullStream struct {
	reqs   chan struct{}
	chunks chan json.RawMessage
	done   chan struct{}
	cancel context.CancelFunc

	idle      time.Duration
	idleTimer *time.Timer

	mu        sync.Mutex
	pending   bool // a pull request is outstanding
	perr      error
	cancelled bool
	terminal  error

	closeOnce sync.Once
}

// New starts the producer and returns the stream handle immediately.
// The producer goroutine suspends inside emit until the first pull.
func New(ctx context.Context, p Producer, opts ...Option) Stream {
	pctx, cancel := context.WithCancel(ctx)
	s := &pullStream{
		reqs:   make(chan struct{}),
		chunks: make(chan json.RawMessage),
		done:   make(chan struct{}),
		cancel: cancel,
		idle:   DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.idle > 0 {
		s.idleTimer = time.AfterFunc(s.idle, func() { _ = s.Close() })
	}

	go func() {
		defer close(s.done)
		err := p(pctx, s.emitFor(pctx))
		if err != nil {
			s.mu.Lock()
			if errors.Is(err, context.Canceled) && pctx.Err() != nil {
				// Cooperative exit after cancellation, not a producer fault.
				s.cancelled = true
			} else {
				s.perr = err
			}
			s.mu.Unlock()
		}
		cancel()
	}()

	return s
}

// emitFor binds the producer context into the EmitFunc handed to p.
func (s *pullStream) emitFor(ctx context.Context) EmitFunc {
	return func(chunk json.RawMessage) error {
		// Suspend until the consumer pulls.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reqs:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.chunks <- chunk:
			return nil
		}
	}
}

func (s *pullStream) Next(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	if s.terminal != nil {
		err := s.terminal
		s.mu.Unlock()
		return nil, err
	}
	needReq := !s.pending
	if needReq {
		s.pending = true
	}
	s.mu.Unlock()

	s.stopIdle()

	if needReq {
		select {
		case s.reqs <- struct{}{}:
		case <-s.done:
			return nil, s.finish()
		case <-ctx.Done():
			// The request was never handed over; clear the credit.
			s.mu.Lock()
			s.pending = false
			s.mu.Unlock()
			s.resetIdle()
			return nil, ctx.Err()
		}
	}

	select {
	case chunk := <-s.chunks:
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		s.resetIdle()
		return chunk, nil
	case <-s.done:
		return nil, s.finish()
	case <-ctx.Done():
		// The producer keeps the pull credit; the next Next collects the
		// chunk without requesting again.
		s.resetIdle()
		return nil, ctx.Err()
	}
}

// finish records the terminal result once the producer has exited.
func (s *pullStream) finish() error {
	<-s.done
	s.stopIdle()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		switch {
		case s.perr != nil:
			s.terminal = &ConsumptionError{Err: s.perr}
		case s.cancelled:
			s.terminal = ErrClosed
		default:
			s.terminal = io.EOF
		}
	}
	return s.terminal
}

// Close cancels the producer, waits for it to release its resources, and
// marks the stream closed. Closing a finished or already-closed stream is a
// no-op.
func (s *pullStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.terminal == nil {
			s.terminal = ErrClosed
		}
		s.mu.Unlock()

		s.cancel()
		s.stopIdle()
		<-s.done
	})
	return nil
}

func (s *pullStream) stopIdle() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
}

func (s *pullStream) resetIdle() {
	s.mu.Lock()
	terminal := s.terminal != nil
	s.mu.Unlock()
	if s.idleTimer != nil && !terminal {
		s.idleTimer.Reset(s.idle)
	}
}

// Collect drains a stream to completion, closing it afterwards. It returns
// the chunks received before the first error; a clean EOF yields a nil
// error.
func Collect(ctx context.Context, s Stream) ([]json.RawMessage, error) {
	defer func() { _ = s.Close() }()

	var out []json.RawMessage
	for {
		chunk, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, chunk)
	}
}
