// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package state

import (
	"context"
	"encoding/json"
)

// SaveRaw writes one key's document from an already-encoded JSON value.
// Runtime hosts pass extension output through unchanged; the document is
// stored byte for byte. Invalid JSON fails with ErrNotSerializable before
// any I/O.
func (s *Store) SaveRaw(ctx context.Context, namespace, key string, doc json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: err}
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: err}
	}
	name, err := escapeKey(key)
	if err != nil {
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: err}
	}
	if !json.Valid(doc) {
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: ErrNotSerializable}
	}
	return s.writeDoc(namespace, key, dir, name, doc)
}

// LoadRaw reads one key's document as stored. It reports found=false (and
// no error) when the key has never been written or was deleted.
func (s *Store) LoadRaw(ctx context.Context, namespace, key string) (json.RawMessage, bool, error) {
	var doc json.RawMessage
	found, err := s.Load(ctx, namespace, key, &doc)
	if err != nil || !found {
		return nil, found, err
	}
	return doc, true, nil
}

// SaveRaw writes one pre-encoded document in the bound namespace.
func (n *Namespace) SaveRaw(ctx context.Context, key string, doc json.RawMessage) error {
	return n.store.SaveRaw(ctx, n.ns, key, doc)
}

// LoadRaw reads one key's document in the bound namespace.
func (n *Namespace) LoadRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return n.store.LoadRaw(ctx, n.ns, key)
}
