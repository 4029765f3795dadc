// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import "fmt"

// ManifestError reports a malformed or incomplete manifest. Discovery
// logs it, skips the directory and keeps scanning; it never aborts the
// pass.
type ManifestError struct {
	Path string // manifest file, when known
	Err  error
}

func (e *ManifestError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid manifest: %v", e.Err)
	}
	return fmt.Sprintf("invalid manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// LoadError reports a failure to materialize a registered extension's
// entry unit: a missing file, a failed runtime handshake, or an entry
// that does not satisfy the runtime's required interface. The entry is
// recorded in StateError so the catalog shows the failure.
type LoadError struct {
	Extension string
	Runtime   string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading extension %s (%s runtime): %v", e.Extension, e.Runtime, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// TransitionError reports a lifecycle call that is not legal from the
// entry's current state. The entry is left exactly where it was.
type TransitionError struct {
	Extension string
	From      State
	Op        string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s extension %s in state %s", e.Op, e.Extension, e.From)
}
