// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package limits

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Guard applies one extension's profile at the invocation boundary. Its
// three checkpoints are Acquire (concurrency, fail-fast), Deadline
// (wall clock) and Meter (cumulative output).
type Guard struct {
	extension string
	profile   Profile
	sem       *semaphore.Weighted
	monitor   *Monitor
}

// NewGuard builds the enforcement point for one extension. monitor may
// be nil when violation accounting is not wanted.
func NewGuard(extension string, profile Profile, monitor *Monitor) *Guard {
	g := &Guard{extension: extension, profile: profile, monitor: monitor}
	if profile.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(profile.MaxConcurrent)
	}
	return g
}

// Profile returns the guard's ceilings.
func (g *Guard) Profile() Profile { return g.profile }

// Acquire claims one invocation slot. It never blocks: when the
// concurrency cap is already saturated the invocation is rejected
// outright with an ExceededError.
func (g *Guard) Acquire() (release func(), err error) {
	if g.sem == nil {
		return func() {}, nil
	}
	if !g.sem.TryAcquire(1) {
		g.monitor.Record(g.extension, KindConcurrency)
		return nil, &ExceededError{
			Extension: g.extension,
			Kind:      KindConcurrency,
			Limit:     g.profile.MaxConcurrent,
		}
	}
	return func() { g.sem.Release(1) }, nil
}

// Deadline derives the invocation context carrying the wall-clock
// ceiling. The returned cancel must always be called.
func (g *Guard) Deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.profile.ActionTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.profile.ActionTimeout)
}

// WallBreach translates a deadline expiry into the typed breach. It
// returns nil when the invocation context was not past its deadline, so
// caller-initiated cancellation is not misreported as a limit.
func (g *Guard) WallBreach(ctx context.Context) *ExceededError {
	if ctx.Err() != context.DeadlineExceeded {
		return nil
	}
	g.monitor.Record(g.extension, KindWallClock)
	return &ExceededError{
		Extension: g.extension,
		Kind:      KindWallClock,
		Limit:     g.profile.ActionTimeout.Milliseconds(),
	}
}

// Meter opens an output meter for one invocation.
func (g *Guard) Meter() *Meter {
	return &Meter{
		extension: g.extension,
		limit:     g.profile.MaxOutputBytes,
		monitor:   g.monitor,
	}
}

// Meter tracks cumulative output size across an invocation: the terminal
// value, or every emitted chunk of a stream.
type Meter struct {
	extension string
	limit     int64
	monitor   *Monitor
	total     atomic.Int64
}

// Count adds n bytes and fails once the cumulative total crosses the
// ceiling. A zero limit never fails.
func (m *Meter) Count(n int) error {
	total := m.total.Add(int64(n))
	if m.limit <= 0 || total <= m.limit {
		return nil
	}
	m.monitor.Record(m.extension, KindOutput)
	return &ExceededError{
		Extension: m.extension,
		Kind:      KindOutput,
		Limit:     m.limit,
		Observed:  total,
	}
}

// Total returns the bytes counted so far.
func (m *Meter) Total() int64 { return m.total.Load() }
