// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extsdk_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cradlehq/cradle/pkg/extsdk"
)

type testExtension struct{}

func (e *testExtension) Init(_ context.Context, _ *extsdk.Host) error { return nil }
func (e *testExtension) Start(_ context.Context) error                { return nil }
func (e *testExtension) Stop(_ context.Context) error                 { return nil }

func (e *testExtension) Invoke(_ context.Context, _ string, input json.RawMessage, _ extsdk.EmitFunc) (json.RawMessage, error) {
	return input, nil
}

func TestExtension_Interface(_ *testing.T) {
	var _ extsdk.Extension = (*testExtension)(nil)
}

func TestServe_NilExtensionPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Serve should panic with nil extension")
		}
	}()

	extsdk.Serve(nil)
}

func TestHandshakeConfig(t *testing.T) {
	if extsdk.HandshakeConfig.ProtocolVersion != 1 {
		t.Error("HandshakeConfig protocol version should be 1")
	}
	if extsdk.HandshakeConfig.MagicCookieKey != "CRADLE_EXTENSION" {
		t.Error("HandshakeConfig magic cookie key mismatch")
	}
	if extsdk.HandshakeConfig.MagicCookieValue != "cradle-v1" {
		t.Error("HandshakeConfig magic cookie value mismatch")
	}
}

func TestWorkerPlugin_ServerRequiresImpl(t *testing.T) {
	p := &extsdk.WorkerPlugin{}
	if _, err := p.Server(nil); err == nil {
		t.Error("expected error when Impl is nil")
	}
}
