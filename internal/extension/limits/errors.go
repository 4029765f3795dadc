// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package limits

import "fmt"

// Kind names the resource whose ceiling was breached.
type Kind string

const (
	KindCPU         Kind = "cpu"
	KindMemory      Kind = "memory"
	KindWallClock   Kind = "wall_clock"
	KindOutput      Kind = "output"
	KindConcurrency Kind = "concurrency"
)

// ExceededError reports a resource ceiling breach. The invocation fails;
// the extension's lifecycle state is untouched, and later invocations
// proceed normally. Limit and Observed are expressed in the kind's unit:
// bytes for memory and output, milliseconds for cpu and wall_clock,
// slots for concurrency. Observed is zero when only the breach itself
// is known.
type ExceededError struct {
	Extension string
	Kind      Kind
	Limit     int64
	Observed  int64
}

func (e *ExceededError) Error() string {
	if e.Observed > 0 {
		return fmt.Sprintf("extension %s exceeded %s limit: %d > %d",
			e.Extension, e.Kind, e.Observed, e.Limit)
	}
	return fmt.Sprintf("extension %s exceeded %s limit %d", e.Extension, e.Kind, e.Limit)
}
