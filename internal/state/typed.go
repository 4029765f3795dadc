// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package state

import "context"

// TypedView adapts a namespace view to one document type. Host-side
// consumers that persist a single struct shape get compile-time typing
// instead of any plus assertions.
type TypedView[T any] struct {
	ns *Namespace
}

// View binds a typed accessor to a namespace view.
func View[T any](ns *Namespace) *TypedView[T] {
	return &TypedView[T]{ns: ns}
}

// Save writes one key's document.
func (v *TypedView[T]) Save(ctx context.Context, key string, value T) error {
	return v.ns.Save(ctx, key, value)
}

// Load reads one key's document. The zero value of T and found=false are
// returned when the key is absent.
func (v *TypedView[T]) Load(ctx context.Context, key string) (T, bool, error) {
	var out T
	found, err := v.ns.Load(ctx, key, &out)
	if err != nil || !found {
		var zero T
		return zero, found, err
	}
	return out, true, nil
}

// Delete removes one key. Deleting a missing key is a no-op.
func (v *TypedView[T]) Delete(ctx context.Context, key string) error {
	return v.ns.Delete(ctx, key)
}

// Keys lists the view's keys.
func (v *TypedView[T]) Keys(ctx context.Context) ([]string, error) {
	return v.ns.Keys(ctx)
}
