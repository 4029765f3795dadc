// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package state implements the durable per-extension key/value store. Each
// extension owns a namespace directory under the store root; every key is an
// independently written JSON document, so one key's update is atomic and
// never interferes with another key's readers.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	// maxKeyLength bounds keys before filesystem escaping.
	maxKeyLength = 128

	tmpPrefix = ".tmp-"
	docSuffix = ".json"
)

var (
	// ErrInvalidKey reports an empty or oversized key.
	ErrInvalidKey = errors.New("invalid state key")
	// ErrInvalidNamespace reports a namespace unusable as a directory name.
	ErrInvalidNamespace = errors.New("invalid state namespace")
	// ErrNotSerializable reports a value that cannot be encoded as JSON.
	// It is returned before any I/O is attempted.
	ErrNotSerializable = errors.New("value is not JSON-serializable")
)

// Error is the typed fault for store operations. Callers branch with
// errors.As and inspect Op/Namespace/Key; Unwrap exposes the cause.
type Error struct {
	Op        string
	Namespace string
	Key       string
	Err       error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("state %s %s: %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("state %s %s/%s: %v", e.Op, e.Namespace, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store is a file-backed namespaced key/value store.
//
// Save is atomic per key: a document is written to a temp file, synced, and
// renamed over the target, so readers observe the old or the new document
// and never a torn write. No cross-key transactions are provided.
type Store struct {
	root string
}

// NewStore creates the store root if needed and returns the store.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, &Error{Op: "open", Err: errors.New("store root is empty")}
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Save writes one key's document. The value is marshalled before any file
// is touched; a non-serializable value fails with ErrNotSerializable and no
// partial write.
func (s *Store) Save(ctx context.Context, namespace, key string, value any) error {
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

	doc, err := json.Marshal(value)
	if err != nil {
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: fmt.Errorf("%w: %w", ErrNotSerializable, err)}
	}

	return s.writeDoc(namespace, key, dir, name, doc)
}

// writeDoc performs the atomic temp-write-sync-rename for one document.
func (s *Store) writeDoc(namespace, key, dir, name string, doc []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: err}
	}
	tmpName := tmp.Name()
	// Any failure past this point must not leave the temp file behind.
	cleanup := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: cause}
	}

	if _, err := tmp.Write(doc); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: err}
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return &Error{Op: "save", Namespace: namespace, Key: key, Err: err}
	}
	return nil
}

// Load reads one key's document into out. It reports found=false (and no
// error) when the key has never been written or was deleted; the caller's
// default applies.
func (s *Store) Load(ctx context.Context, namespace, key string, out any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &Error{Op: "load", Namespace: namespace, Key: key, Err: err}
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return false, &Error{Op: "load", Namespace: namespace, Key: key, Err: err}
	}
	name, err := escapeKey(key)
	if err != nil {
		return false, &Error{Op: "load", Namespace: namespace, Key: key, Err: err}
	}

	doc, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &Error{Op: "load", Namespace: namespace, Key: key, Err: err}
	}
	if err := json.Unmarshal(doc, out); err != nil {
		return false, &Error{Op: "load", Namespace: namespace, Key: key, Err: err}
	}
	return true, nil
}

// Delete removes one key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "delete", Namespace: namespace, Key: key, Err: err}
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return &Error{Op: "delete", Namespace: namespace, Key: key, Err: err}
	}
	name, err := escapeKey(key)
	if err != nil {
		return &Error{Op: "delete", Namespace: namespace, Key: key, Err: err}
	}

	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return &Error{Op: "delete", Namespace: namespace, Key: key, Err: err}
	}
	return nil
}

// Keys lists the keys present in a namespace, unescaped, in directory order.
// A namespace that was never written to yields an empty list.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "keys", Namespace: namespace, Err: err}
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return nil, &Error{Op: "keys", Namespace: namespace, Err: err}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &Error{Op: "keys", Namespace: namespace, Err: err}
	}

	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, docSuffix) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, docSuffix))
		if err != nil {
			continue // not one of ours
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Uninstall removes a namespace and every document in it. This is the only
// operation that destroys persisted state; unloading an extension does not.
func (s *Store) Uninstall(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "uninstall", Namespace: namespace, Err: err}
	}
	dir, err := s.namespaceDir(namespace)
	if err != nil {
		return &Error{Op: "uninstall", Namespace: namespace, Err: err}
	}
	if err := os.RemoveAll(dir); err != nil {
		return &Error{Op: "uninstall", Namespace: namespace, Err: err}
	}
	return nil
}

// Namespace returns a view bound to one extension's namespace. Extensions
// only ever receive the bound view, never the store or the path.
func (s *Store) Namespace(namespace string) *Namespace {
	return &Namespace{store: s, ns: namespace}
}

func (s *Store) namespaceDir(namespace string) (string, error) {
	if namespace == "" || strings.ContainsAny(namespace, "/\\") ||
		namespace == "." || namespace == ".." {
		return "", ErrInvalidNamespace
	}
	return filepath.Join(s.root, namespace), nil
}

func escapeKey(key string) (string, error) {
	if key == "" || len(key) > maxKeyLength {
		return "", ErrInvalidKey
	}
	return url.PathEscape(key) + docSuffix, nil
}

// Namespace is a store view bound to one extension id.
type Namespace struct {
	store *Store
	ns    string
}

// Save writes one key in the bound namespace.
func (n *Namespace) Save(ctx context.Context, key string, value any) error {
	return n.store.Save(ctx, n.ns, key, value)
}

// Load reads one key in the bound namespace.
func (n *Namespace) Load(ctx context.Context, key string, out any) (bool, error) {
	return n.store.Load(ctx, n.ns, key, out)
}

// Delete removes one key in the bound namespace.
func (n *Namespace) Delete(ctx context.Context, key string) error {
	return n.store.Delete(ctx, n.ns, key)
}

// Keys lists the bound namespace's keys.
func (n *Namespace) Keys(ctx context.Context) ([]string, error) {
	return n.store.Keys(ctx, n.ns)
}
