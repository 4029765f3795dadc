// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package bus provides the host-wide event bus that bridges extensions to
// each other and to the runtime without direct coupling.
package bus

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Well-known event types published by the runtime itself.
const (
	// TypeLifecycle is emitted on every lifecycle transition. Payload is
	// a LifecyclePayload document.
	TypeLifecycle = "extension.lifecycle"
)

// SourceHost is the Source used for events the runtime publishes.
const SourceHost = "host"

// Event is one host-wide occurrence delivered to subscribers.
type Event struct {
	ID        ulid.ULID
	Type      string
	Source    string // publishing extension id, or SourceHost
	Timestamp time.Time
	Payload   json.RawMessage
}

// Envelope renders the event as a self-describing JSON document, the
// form extension-facing deliveries receive.
func (e Event) Envelope() (json.RawMessage, error) {
	doc := struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Source    string          `json:"source"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}{
		ID:        e.ID.String(),
		Type:      e.Type,
		Source:    e.Source,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding event envelope: %w", err)
	}
	return raw, nil
}

// LifecyclePayload is the JSON payload of TypeLifecycle events.
type LifecyclePayload struct {
	Extension string `json:"extension"`
	From      string `json:"from"`
	To        string `json:"to"`
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewULID generates a new ULID.
func NewULID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseULID parses a ULID string.
func ParseULID(s string) (ulid.ULID, error) {
	id, err := ulid.Parse(s)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("invalid ULID %q: %w", s, err)
	}
	return id, nil
}
