// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package wasm

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/samber/oops"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/stream"
)

// HostModuleName is the import namespace guest modules bind against.
const HostModuleName = "cradle"

// Status codes returned by fallible host functions. A non-ok status
// never carries detail into the guest; the recorded error fails the
// whole call once the guest returns, so a denied grant cannot degrade
// into partial behavior.
const (
	statusOK    uint32 = 0
	statusError uint32 = 1
)

// pack squeezes a guest pointer and length into one u64, pointer high.
func pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

// unpack splits a packed pointer/length pair. A zero value means "no
// data".
func unpack(packed uint64) (ptr, size uint32) {
	return uint32(packed >> 32), uint32(packed)
}

// callState carries per-call plumbing into host functions via context.
// Host-side failures are recorded here instead of trapping the guest,
// so typed errors (capability denials, output breaches) survive the
// trip through wasm intact.
type callState struct {
	emit stream.EmitFunc

	mu  sync.Mutex
	err error
}

// fail records the first host error and reports statusError.
func (c *callState) fail(err error) uint32 {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	return statusError
}

func (c *callState) hostErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

type callKey struct{}

func withCall(ctx context.Context, cs *callState) context.Context {
	return context.WithValue(ctx, callKey{}, cs)
}

func callFrom(ctx context.Context) *callState {
	cs, _ := ctx.Value(callKey{}).(*callState)
	return cs
}

// hostModule implements the cradle import namespace for one extension.
// Every function funnels through the capability-gated surface.
type hostModule struct {
	id      string
	surface *hostfunc.Surface
}

// instantiate registers the cradle namespace in the given runtime.
func (h *hostModule) instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().WithFunc(h.stateSave).Export("state_save").
		NewFunctionBuilder().WithFunc(h.stateLoad).Export("state_load").
		NewFunctionBuilder().WithFunc(h.stateDelete).Export("state_delete").
		NewFunctionBuilder().WithFunc(h.eventPublish).Export("event_publish").
		NewFunctionBuilder().WithFunc(h.eventSubscribe).Export("event_subscribe").
		NewFunctionBuilder().WithFunc(h.emitChunk).Export("emit_chunk").
		NewFunctionBuilder().WithFunc(h.log).Export("log").
		Instantiate(ctx)
	if err != nil {
		return oops.In("wasm").With("extension", h.id).Wrapf(err, "registering host module")
	}
	return nil
}

// readGuest copies bytes out of guest memory. The copy matters: the
// underlying view dies with the module instance.
func readGuest(mod api.Module, ptr, size uint32) ([]byte, error) {
	buf, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, oops.In("wasm").Errorf("guest range [%d,%d) outside memory", ptr, ptr+size)
	}
	return append([]byte(nil), buf...), nil
}

// writeGuest allocates guest memory through the module's alloc export
// and copies data in, returning the packed location.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := mod.ExportedFunction(exportAlloc)
	if alloc == nil {
		return 0, oops.In("wasm").Errorf("module lost its %s export", exportAlloc)
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, oops.In("wasm").Wrapf(err, "guest allocation of %d bytes", len(data))
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, oops.In("wasm").Errorf("guest write at %d overruns memory", ptr)
	}
	return pack(ptr, uint32(len(data))), nil
}

func (h *hostModule) stateSave(ctx context.Context, mod api.Module, keyPtr, keyLen, docPtr, docLen uint32) uint32 {
	cs := callFrom(ctx)
	if cs == nil {
		return statusError
	}
	key, err := readGuest(mod, keyPtr, keyLen)
	if err != nil {
		return cs.fail(err)
	}
	doc, err := readGuest(mod, docPtr, docLen)
	if err != nil {
		return cs.fail(err)
	}
	if err := h.surface.StateSave(ctx, string(key), doc); err != nil {
		return cs.fail(err)
	}
	return statusOK
}

func (h *hostModule) stateLoad(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint64 {
	cs := callFrom(ctx)
	if cs == nil {
		return 0
	}
	key, err := readGuest(mod, keyPtr, keyLen)
	if err != nil {
		cs.fail(err)
		return 0
	}
	doc, found, err := h.surface.StateLoad(ctx, string(key))
	if err != nil {
		cs.fail(err)
		return 0
	}
	if !found {
		return 0
	}
	packed, err := writeGuest(ctx, mod, doc)
	if err != nil {
		cs.fail(err)
		return 0
	}
	return packed
}

func (h *hostModule) stateDelete(ctx context.Context, mod api.Module, keyPtr, keyLen uint32) uint32 {
	cs := callFrom(ctx)
	if cs == nil {
		return statusError
	}
	key, err := readGuest(mod, keyPtr, keyLen)
	if err != nil {
		return cs.fail(err)
	}
	if err := h.surface.StateDelete(ctx, string(key)); err != nil {
		return cs.fail(err)
	}
	return statusOK
}

func (h *hostModule) eventPublish(ctx context.Context, mod api.Module, typePtr, typeLen, payloadPtr, payloadLen uint32) uint32 {
	cs := callFrom(ctx)
	if cs == nil {
		return statusError
	}
	eventType, err := readGuest(mod, typePtr, typeLen)
	if err != nil {
		return cs.fail(err)
	}
	var payload json.RawMessage
	if payloadLen > 0 {
		payload, err = readGuest(mod, payloadPtr, payloadLen)
		if err != nil {
			return cs.fail(err)
		}
	}
	if err := h.surface.EventPublish(ctx, string(eventType), payload); err != nil {
		return cs.fail(err)
	}
	return statusOK
}

func (h *hostModule) eventSubscribe(ctx context.Context, mod api.Module, typePtr, typeLen, actionPtr, actionLen uint32) uint32 {
	cs := callFrom(ctx)
	if cs == nil {
		return statusError
	}
	eventType, err := readGuest(mod, typePtr, typeLen)
	if err != nil {
		return cs.fail(err)
	}
	action, err := readGuest(mod, actionPtr, actionLen)
	if err != nil {
		return cs.fail(err)
	}
	if _, err := h.surface.SubscribeAction(string(eventType), string(action)); err != nil {
		return cs.fail(err)
	}
	return statusOK
}

func (h *hostModule) emitChunk(ctx context.Context, mod api.Module, ptr, size uint32) uint32 {
	cs := callFrom(ctx)
	if cs == nil {
		return statusError
	}
	if cs.emit == nil {
		return cs.fail(oops.In("wasm").With("extension", h.id).New("emit_chunk on a terminal invocation"))
	}
	chunk, err := readGuest(mod, ptr, size)
	if err != nil {
		return cs.fail(err)
	}
	if err := cs.emit(chunk); err != nil {
		return cs.fail(err)
	}
	return statusOK
}

func (h *hostModule) log(_ context.Context, mod api.Module, level, ptr, size uint32) {
	msg, err := readGuest(mod, ptr, size)
	if err != nil {
		return
	}
	logger := h.surface.Logger()
	switch level {
	case 0:
		logger.Debug(string(msg))
	case 2:
		logger.Warn(string(msg))
	case 3:
		logger.Error(string(msg))
	default:
		logger.Info(string(msg))
	}
}
