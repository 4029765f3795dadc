// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extsdk

import (
	"context"
	"encoding/json"
	"net"
	"net/rpc"
)

// Host is the extension's handle on the host process. Every call is
// checked against the extension's granted capabilities host-side; a
// missing grant comes back as an error naming the denied token. State
// keys live in the extension's own namespace and documents must be
// valid JSON.
type Host struct {
	client *rpc.Client
}

func newHost(conn net.Conn) *Host {
	return &Host{client: rpc.NewClient(conn)}
}

// StateSave persists one document under key.
func (h *Host) StateSave(ctx context.Context, key string, doc json.RawMessage) error {
	return callCtx(ctx, h.client, "Plugin.StateSave", StateSaveArgs{Key: key, Doc: doc}, &Empty{})
}

// StateLoad reads the document under key; found is false when the key
// does not exist.
func (h *Host) StateLoad(ctx context.Context, key string) (doc json.RawMessage, found bool, err error) {
	var reply StateLoadReply
	if err := callCtx(ctx, h.client, "Plugin.StateLoad", StateLoadArgs{Key: key}, &reply); err != nil {
		return nil, false, err
	}
	return reply.Doc, reply.Found, nil
}

// StateDelete removes the document under key. Deleting a missing key
// succeeds.
func (h *Host) StateDelete(ctx context.Context, key string) error {
	return callCtx(ctx, h.client, "Plugin.StateDelete", StateDeleteArgs{Key: key}, &Empty{})
}

// Publish emits an event on the host bus under the extension's identity.
func (h *Host) Publish(ctx context.Context, eventType string, payload json.RawMessage) error {
	return callCtx(ctx, h.client, "Plugin.EventPublish", EventPublishArgs{Type: eventType, Payload: payload}, &Empty{})
}

// Subscribe routes future events of eventType to one of the extension's
// own actions. Subscribing the same pair twice is a no-op.
func (h *Host) Subscribe(ctx context.Context, eventType, action string) error {
	return callCtx(ctx, h.client, "Plugin.EventSubscribe", EventSubscribeArgs{Type: eventType, Action: action}, &Empty{})
}

// Log writes one line to the host's structured log under the
// extension's identity. Level is debug, info, warn or error; anything
// else logs as info. Logging requires no grant and never fails the
// caller.
func (h *Host) Log(level, message string) {
	_ = h.client.Call("Plugin.Log", LogArgs{Level: level, Message: message}, &Empty{})
}

func (h *Host) close() {
	_ = h.client.Close()
}
