// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

// Package extsdk is the SDK for building Cradle process extensions.
//
// Process extensions are standalone Go binaries launched by the host
// through HashiCorp's go-plugin framework over its net/rpc protocol.
// The extension implements the Extension interface and hands it to
// Serve from main(); the host drives lifecycle hooks and action
// invocations across the process boundary, and the extension reaches
// back into the host (state, events, logging) through the Host handle
// it receives at Init.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//		"encoding/json"
//
//		"github.com/cradlehq/cradle/pkg/extsdk"
//	)
//
//	type Echo struct {
//		host *extsdk.Host
//	}
//
//	func (e *Echo) Init(ctx context.Context, host *extsdk.Host) error {
//		e.host = host
//		return nil
//	}
//
//	func (e *Echo) Start(ctx context.Context) error { return nil }
//	func (e *Echo) Stop(ctx context.Context) error  { return nil }
//
//	func (e *Echo) Invoke(ctx context.Context, action string, input json.RawMessage, emit extsdk.EmitFunc) (json.RawMessage, error) {
//		return input, nil
//	}
//
//	func main() {
//		extsdk.Serve(&Echo{})
//	}
package extsdk

import (
	"context"
	"encoding/json"

	hashiplug "github.com/hashicorp/go-plugin"
)

// WorkerName is the dispense key the host requests after handshake.
const WorkerName = "extension"

// EmitFunc delivers one stream chunk. It blocks until the host has
// accepted the chunk, so producers run at consumer pace. A non-nil
// error means the stream is finished (closed, cancelled or over a
// resource ceiling) and the producer should return promptly.
type EmitFunc func(chunk json.RawMessage) error

// Extension is the interface process extensions implement. The host
// calls Init exactly once before Start, Start before any Invoke, and
// Stop between Start calls; Invoke may run concurrently.
type Extension interface {
	// Init receives the host handle. Keep it; it stays valid for the
	// process lifetime.
	Init(ctx context.Context, host *Host) error
	// Start activates the extension.
	Start(ctx context.Context) error
	// Stop deactivates the extension.
	Stop(ctx context.Context) error
	// Invoke dispatches one action. emit is non-nil exactly when the
	// action streams its output; terminal actions return the value.
	Invoke(ctx context.Context, action string, input json.RawMessage, emit EmitFunc) (json.RawMessage, error)
}

// HandshakeConfig is the go-plugin handshake configuration. Host and
// extensions must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CRADLE_EXTENSION",
	MagicCookieValue: "cradle-v1",
}

// Serve starts the extension server. Call it from main(); it blocks
// and never returns under normal operation. Panics if ext is nil.
func Serve(ext Extension) {
	if ext == nil {
		panic("extsdk: extension cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			WorkerName: &WorkerPlugin{Impl: ext},
		},
	})
}
