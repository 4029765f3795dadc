// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cradlehq/cradle/internal/extension/capability"
	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
	"github.com/cradlehq/cradle/internal/stream"
)

var tracer = otel.Tracer("cradle/extension")

// Result is one action's outcome. Exactly one field is set: Stream for
// actions declared streams_output, Value for everything else.
type Result struct {
	Value  json.RawMessage
	Stream stream.Stream
}

// Invoke dispatches one action on a STARTED extension. The call is
// refused before any extension code runs when the extension is not
// started, the action is undeclared, the invoke.<action> capability is
// missing, the input fails the action's schema, or the concurrency cap
// is full. Streaming actions return a pull handle whose guard slot is
// held until the producer finishes.
func (m *Manager) Invoke(ctx context.Context, id, action string, input json.RawMessage) (_ *Result, err error) {
	// Start trace span
	ctx, span := tracer.Start(ctx, "extension.invoke",
		trace.WithAttributes(
			attribute.String("extension.id", id),
			attribute.String("extension.action", action),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	entry, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	if st := entry.State(); st != StateStarted {
		return nil, &TransitionError{Extension: id, From: st, Op: "invoke " + action}
	}

	act := entry.manifest.ActionNamed(action)
	if act == nil {
		return nil, oops.In("extension").
			Code("action_not_found").
			With("extension", id).
			With("action", action).
			Errorf("extension %q declares no action %q", id, action)
	}

	if err := m.enforcer.Require(id, capability.InvokeToken(action)); err != nil {
		m.metrics.Invocation(id, action, OutcomeDenied, 0)
		return nil, err
	}

	if err := ValidateActionInput(entry.schemas[action], input); err != nil {
		m.metrics.Invocation(id, action, OutcomeError, 0)
		return nil, oops.In("extension").
			Code("invalid_input").
			With("extension", id).
			With("action", action).
			Wrapf(err, "input rejected by action schema")
	}

	release, err := entry.guard.Acquire()
	if err != nil {
		m.metrics.Invocation(id, action, OutcomeExceeded, 0)
		return nil, err
	}

	inv := ulid.Make().String()
	m.logger.Debug("action dispatched",
		"extension", id, "action", action, "invocation", inv,
		"streaming", act.StreamsOutput)

	if act.StreamsOutput {
		return &Result{Stream: m.invokeStreaming(ctx, entry, action, input, inv, release)}, nil
	}
	value, err := m.invokeTerminal(ctx, entry, action, input, inv, release)
	if err != nil {
		return nil, err
	}
	return &Result{Value: value}, nil
}

// invokeTerminal runs a non-streaming action to completion under the
// entry's wall-clock deadline and output cap.
func (m *Manager) invokeTerminal(ctx context.Context, entry *Entry, action string, input json.RawMessage, inv string, release func()) (json.RawMessage, error) {
	defer release()

	ictx, cancel := entry.guard.Deadline(ctx)
	defer cancel()

	start := time.Now()
	value, err := entry.instance.Invoke(ictx, action, input, nil)
	if err != nil {
		if breach := entry.guard.WallBreach(ictx); breach != nil {
			err = breach
		} else {
			err = oops.In("extension").
				With("extension", entry.ID()).
				With("action", action).
				With("invocation", inv).
				Wrapf(err, "action failed")
		}
		m.metrics.Invocation(entry.ID(), action, outcomeOf(err), time.Since(start))
		return nil, err
	}
	if err := entry.guard.Meter().Count(len(value)); err != nil {
		m.metrics.Invocation(entry.ID(), action, OutcomeExceeded, time.Since(start))
		return nil, err
	}

	m.metrics.Invocation(entry.ID(), action, OutcomeOK, time.Since(start))
	return value, nil
}

// invokeStreaming hands the action to a pull stream. The guard slot and
// deadline live exactly as long as the producer; chunks count against
// the extension's output cap as they are emitted.
func (m *Manager) invokeStreaming(ctx context.Context, entry *Entry, action string, input json.RawMessage, inv string, release func()) stream.Stream {
	meter := entry.guard.Meter()
	ictx, cancel := entry.guard.Deadline(ctx)
	start := time.Now()

	return stream.New(ictx, func(pctx context.Context, emit stream.EmitFunc) error {
		defer cancel()
		defer release()

		metered := func(chunk json.RawMessage) error {
			if err := meter.Count(len(chunk)); err != nil {
				return err
			}
			return emit(chunk)
		}

		_, err := entry.instance.Invoke(pctx, action, input, metered)
		if breach := entry.guard.WallBreach(pctx); breach != nil {
			err = breach
		}
		if err != nil {
			err = oops.In("extension").
				With("extension", entry.ID()).
				With("action", action).
				With("invocation", inv).
				Wrap(err)
		}
		m.metrics.Invocation(entry.ID(), action, outcomeOf(err), time.Since(start))
		return err
	}, stream.WithIdleTimeout(m.streamIdle))
}

// eventDispatcher builds the callback a surface routes event-triggered
// action subscriptions through. Deliveries run as ordinary invocations,
// so lifecycle gates, capability checks and resource ceilings all apply.
func (m *Manager) eventDispatcher(id string) hostfunc.Dispatcher {
	return func(ctx context.Context, action string, input json.RawMessage) error {
		res, err := m.Invoke(ctx, id, action, input)
		if err != nil {
			return err
		}
		if res.Stream != nil {
			// Nothing consumes a stream opened by an event; reclaim it.
			return res.Stream.Close()
		}
		return nil
	}
}

// outcomeOf maps an invocation error to its metrics outcome label.
func outcomeOf(err error) string {
	var denied *capability.DeniedError
	var exceeded *limits.ExceededError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &denied):
		return OutcomeDenied
	case errors.As(err, &exceeded):
		return OutcomeExceeded
	default:
		return OutcomeError
	}
}
