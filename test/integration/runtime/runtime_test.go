// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

//go:build integration

package runtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/cradlehq/cradle/internal/bus"
	"github.com/cradlehq/cradle/internal/extension"
	"github.com/cradlehq/cradle/internal/extension/capability"
	"github.com/cradlehq/cradle/internal/extension/semrange"
	"github.com/cradlehq/cradle/internal/stream"
)

const greeterManifest = `id: greeter
version: 1.2.3
entry_reference: lua:main.lua
declared_permissions:
  - state.read
  - state.write
  - events.publish
  - invoke.greet
  - invoke.spell
  - invoke.stats
actions:
  - name: greet
    input_schema:
      type: object
      properties:
        name:
          type: string
      required: [name]
  - name: spell
    streams_output: true
    input_schema:
      type: object
      properties:
        text:
          type: string
      required: [text]
  - name: stats
`

const greeterScript = `
local function bump()
    local raw = cradle.state_get("greetings")
    local n = tonumber(raw) or 0
    cradle.state_set("greetings", tostring(n + 1))
end

function invoke(action, input, emit)
    if action == "greet" then
        bump()
        cradle.publish("greeting.sent", "{\"text\":\"hello " .. input.name .. "\"}")
        return { message = "hello " .. input.name }
    end

    if action == "spell" then
        for word in string.gmatch(input.text, "%S+") do
            emit({ word = word })
        end
        return nil
    end

    if action == "stats" then
        local raw = cradle.state_get("greetings")
        return { greetings = tonumber(raw) or 0 }
    end

    error("unknown action: " .. action)
end
`

// recorder subscribes one of its own actions to the greeter's event,
// so every greeting lands in its state namespace as an envelope.
const recorderManifest = `id: recorder
version: 0.5.0
entry_reference: lua:main.lua
declared_permissions:
  - state.read
  - state.write
  - events.subscribe
  - invoke.record
  - invoke.seen
actions:
  - name: record
  - name: seen
`

const recorderScript = `
function on_start()
    cradle.subscribe("greeting.sent", "record")
end

function invoke(action, input, emit)
    if action == "record" then
        local raw = cradle.state_get("events_seen")
        local n = tonumber(raw) or 0
        cradle.state_set("events_seen", tostring(n + 1))
        cradle.state_set("last_text", "\"" .. input.payload.text .. "\"")
        cradle.state_set("last_source", "\"" .. input.source .. "\"")
        return nil
    end

    if action == "seen" then
        local raw = cradle.state_get("events_seen")
        return { count = tonumber(raw) or 0 }
    end

    error("unknown action: " .. action)
end
`

// sealed declares an action but not the invoke grant for it.
const sealedManifest = `id: sealed
version: 1.0.0
entry_reference: lua:main.lua
declared_permissions:
  - state.read
actions:
  - name: hidden
`

const toolkitManifest = `id: toolkit
version: 1.2.3
entry_reference: lua:main.lua
`

const consumerManifest = `id: consumer
version: 0.1.0
entry_reference: lua:main.lua
dependencies:
  - plugin_id: toolkit
    version_range: "^1.0.0"
declared_permissions:
  - invoke.ping
actions:
  - name: ping
`

const strictConsumerManifest = `id: strict-consumer
version: 0.1.0
entry_reference: lua:main.lua
dependencies:
  - plugin_id: toolkit
    version_range: ">=2.0.0"
declared_permissions:
  - invoke.ping
actions:
  - name: ping
`

const noopScript = `
function invoke(action, input, emit)
    return nil
end
`

const pingScript = `
function invoke(action, input, emit)
    return { pong = true }
end
`

const brokenManifest = `id: broken
version: 1.0.0
entry_reference: lua:main.lua
`

// brokenScript loads as Lua but never defines the invoke entry point.
const brokenScript = `
local greeting = "hi"
`

var _ = Describe("Extension host runtime", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("bring-up and lifecycle", func() {
		var h *testHost
		var transitions *transitionLog

		BeforeEach(func() {
			root := tempDir("cradle-ext-")
			writeExtension(root, "greeter", greeterManifest, greeterScript)
			h = newHost(root, tempDir("cradle-state-"))
			transitions = followLifecycle(h.bus)
			h.bringUp(ctx)
		})

		AfterEach(func() {
			h.shutdown(ctx)
		})

		It("drives a discovered extension to STARTED", func() {
			entry, ok := h.manager.Registry().Get("greeter")
			Expect(ok).To(BeTrue())
			Expect(entry.State()).To(Equal(extension.StateStarted))
			Expect(entry.Version().String()).To(Equal("1.2.3"))
			Expect(entry.RuntimeScheme()).To(Equal(extension.RuntimeLua))
		})

		It("publishes one lifecycle event per transition", func() {
			Expect(transitions.snapshot()).To(Equal([]bus.LifecyclePayload{
				{Extension: "greeter", From: "", To: "REGISTERED"},
				{Extension: "greeter", From: "REGISTERED", To: "INITIALIZED"},
				{Extension: "greeter", From: "INITIALIZED", To: "STARTED"},
			}))
		})

		It("supports stop and restart", func() {
			Expect(h.manager.Stop(ctx, "greeter")).To(Succeed())
			entry, _ := h.manager.Registry().Get("greeter")
			Expect(entry.State()).To(Equal(extension.StateStopped))

			Expect(h.manager.Start(ctx, "greeter")).To(Succeed())
			Expect(entry.State()).To(Equal(extension.StateStarted))
		})

		It("forgets an unloaded extension", func() {
			Expect(h.manager.Unload(ctx, "greeter")).To(Succeed())
			Expect(h.manager.Registry().Has("greeter")).To(BeFalse())

			_, err := h.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("terminal actions", func() {
		var h *testHost

		BeforeEach(func() {
			root := tempDir("cradle-ext-")
			writeExtension(root, "greeter", greeterManifest, greeterScript)
			h = newHost(root, tempDir("cradle-state-"))
			h.bringUp(ctx)
		})

		AfterEach(func() {
			h.shutdown(ctx)
		})

		It("returns the action's terminal value", func() {
			res, err := h.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Stream).To(BeNil())
			Expect(res.Value).To(MatchJSON(`{"message":"hello mara"}`))
		})

		It("accumulates state across invocations", func() {
			for i := 0; i < 3; i++ {
				_, err := h.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
				Expect(err).NotTo(HaveOccurred())
			}

			res, err := h.manager.Invoke(ctx, "greeter", "stats", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Value).To(MatchJSON(`{"greetings":3}`))
		})
	})

	Describe("streaming actions", func() {
		var h *testHost

		BeforeEach(func() {
			root := tempDir("cradle-ext-")
			writeExtension(root, "greeter", greeterManifest, greeterScript)
			h = newHost(root, tempDir("cradle-state-"))
			h.bringUp(ctx)
		})

		AfterEach(func() {
			h.shutdown(ctx)
		})

		It("delivers chunks in order and finishes with EOF", func() {
			res, err := h.manager.Invoke(ctx, "greeter", "spell", []byte(`{"text":"to the stars"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Value).To(BeNil())
			Expect(res.Stream).NotTo(BeNil())

			var words []string
			for {
				chunk, err := res.Stream.Next(ctx)
				if errors.Is(err, io.EOF) {
					break
				}
				Expect(err).NotTo(HaveOccurred())

				var c struct {
					Word string `json:"word"`
				}
				Expect(json.Unmarshal(chunk, &c)).To(Succeed())
				words = append(words, c.Word)
			}
			Expect(words).To(Equal([]string{"to", "the", "stars"}))
		})

		It("refuses pulls after Close", func() {
			res, err := h.manager.Invoke(ctx, "greeter", "spell", []byte(`{"text":"to the stars"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Stream.Close()).To(Succeed())

			_, err = res.Stream.Next(ctx)
			Expect(err).To(MatchError(stream.ErrClosed))
		})

		It("reclaims a stream nobody consumes", func() {
			root := tempDir("cradle-ext-")
			writeExtension(root, "greeter", greeterManifest, greeterScript)
			idle := newHost(root, tempDir("cradle-state-"),
				extension.WithStreamIdleTimeout(50*time.Millisecond))
			idle.bringUp(ctx)
			defer idle.shutdown(ctx)

			res, err := idle.manager.Invoke(ctx, "greeter", "spell", []byte(`{"text":"to the stars"}`))
			Expect(err).NotTo(HaveOccurred())

			time.Sleep(200 * time.Millisecond)

			_, err = res.Stream.Next(ctx)
			Expect(err).To(MatchError(stream.ErrClosed))
		})
	})

	Describe("the event bridge", func() {
		var h *testHost

		BeforeEach(func() {
			root := tempDir("cradle-ext-")
			writeExtension(root, "greeter", greeterManifest, greeterScript)
			writeExtension(root, "recorder", recorderManifest, recorderScript)
			h = newHost(root, tempDir("cradle-state-"))
			h.bringUp(ctx)
		})

		AfterEach(func() {
			h.shutdown(ctx)
		})

		It("routes published events into subscribed actions", func() {
			_, err := h.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
			Expect(err).NotTo(HaveOccurred())

			res, err := h.manager.Invoke(ctx, "recorder", "seen", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Value).To(MatchJSON(`{"count":1}`))

			var lastText string
			found, err := h.store.Load(ctx, "recorder", "last_text", &lastText)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(lastText).To(Equal("hello mara"))

			var lastSource string
			found, err = h.store.Load(ctx, "recorder", "last_source", &lastSource)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeTrue())
			Expect(lastSource).To(Equal("greeter"))
		})

		It("stops delivering once the subscriber unloads", func() {
			Expect(h.manager.Unload(ctx, "recorder")).To(Succeed())

			_, err := h.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
			Expect(err).NotTo(HaveOccurred())

			var n int
			found, err := h.store.Load(ctx, "recorder", "events_seen", &n)
			Expect(err).NotTo(HaveOccurred())
			Expect(found).To(BeFalse())
		})
	})

	Describe("dispatch refusals", func() {
		var h *testHost

		BeforeEach(func() {
			root := tempDir("cradle-ext-")
			writeExtension(root, "greeter", greeterManifest, greeterScript)
			writeExtension(root, "sealed", sealedManifest, noopScript)
			h = newHost(root, tempDir("cradle-state-"))
			h.bringUp(ctx)
		})

		AfterEach(func() {
			h.shutdown(ctx)
		})

		It("refuses actions on an extension that is not started", func() {
			Expect(h.manager.Stop(ctx, "greeter")).To(Succeed())

			_, err := h.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
			var terr *extension.TransitionError
			Expect(errors.As(err, &terr)).To(BeTrue())
			Expect(terr.From).To(Equal(extension.StateStopped))
		})

		It("refuses undeclared actions", func() {
			_, err := h.manager.Invoke(ctx, "greeter", "smite", nil)
			Expect(err).To(MatchError(ContainSubstring(`declares no action "smite"`)))
		})

		It("refuses actions without the matching invoke grant", func() {
			_, err := h.manager.Invoke(ctx, "sealed", "hidden", nil)
			var denied *capability.DeniedError
			Expect(errors.As(err, &denied)).To(BeTrue())
			Expect(denied.Denied).To(ContainElement("invoke.hidden"))
		})

		It("refuses input that fails the action schema", func() {
			_, err := h.manager.Invoke(ctx, "greeter", "greet", []byte(`{}`))
			Expect(err).To(MatchError(ContainSubstring("rejected by action schema")))
		})
	})

	Describe("dependency gating", func() {
		var h *testHost

		BeforeEach(func() {
			root := tempDir("cradle-ext-")
			writeExtension(root, "toolkit", toolkitManifest, noopScript)
			writeExtension(root, "consumer", consumerManifest, pingScript)
			writeExtension(root, "strict", strictConsumerManifest, pingScript)
			h = newHost(root, tempDir("cradle-state-"))

			discovered, err := h.scanner.Scan(ctx)
			Expect(err).NotTo(HaveOccurred())
			h.manager.RegisterAll(ctx, discovered)
			Expect(h.manager.InitializeAll(ctx)).To(BeEmpty())
		})

		AfterEach(func() {
			h.shutdown(ctx)
		})

		It("starts an extension whose requirements are satisfied", func() {
			Expect(h.manager.Start(ctx, "consumer")).To(Succeed())

			res, err := h.manager.Invoke(ctx, "consumer", "ping", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Value).To(MatchJSON(`{"pong":true}`))
		})

		It("refuses to start when a requirement cannot be satisfied", func() {
			err := h.manager.Start(ctx, "strict-consumer")
			var rerr *semrange.ResolutionError
			Expect(errors.As(err, &rerr)).To(BeTrue())
			Expect(rerr.Unsatisfied).To(HaveLen(1))
			Expect(rerr.Unsatisfied[0].ID).To(Equal("toolkit"))
			Expect(rerr.Unsatisfied[0].Have).To(Equal("1.2.3"))

			entry, _ := h.manager.Registry().Get("strict-consumer")
			Expect(entry.State()).To(Equal(extension.StateInitialized))
		})
	})

	Describe("durable state across host generations", func() {
		var root, stateDir string

		BeforeEach(func() {
			root = tempDir("cradle-ext-")
			stateDir = tempDir("cradle-state-")
			writeExtension(root, "greeter", greeterManifest, greeterScript)
		})

		It("survives unload and a fresh host", func() {
			first := newHost(root, stateDir)
			first.bringUp(ctx)
			for i := 0; i < 2; i++ {
				_, err := first.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
				Expect(err).NotTo(HaveOccurred())
			}
			first.shutdown(ctx)

			second := newHost(root, stateDir)
			second.bringUp(ctx)
			defer second.shutdown(ctx)

			res, err := second.manager.Invoke(ctx, "greeter", "stats", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Value).To(MatchJSON(`{"greetings":2}`))
		})

		It("is wiped only by uninstall", func() {
			first := newHost(root, stateDir)
			first.bringUp(ctx)
			_, err := first.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
			Expect(err).NotTo(HaveOccurred())
			first.shutdown(ctx)

			Expect(first.store.Uninstall(ctx, "greeter")).To(Succeed())

			second := newHost(root, stateDir)
			second.bringUp(ctx)
			defer second.shutdown(ctx)

			res, err := second.manager.Invoke(ctx, "greeter", "stats", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Value).To(MatchJSON(`{"greetings":0}`))
		})
	})

	Describe("faulty extensions", func() {
		It("quarantines a broken extension without harming its neighbors", func() {
			root := tempDir("cradle-ext-")
			writeExtension(root, "greeter", greeterManifest, greeterScript)
			writeExtension(root, "broken", brokenManifest, brokenScript)
			h := newHost(root, tempDir("cradle-state-"))
			h.bringUp(ctx)
			defer h.shutdown(ctx)

			entry, ok := h.manager.Registry().Get("broken")
			Expect(ok).To(BeTrue())
			Expect(entry.State()).To(Equal(extension.StateError))
			Expect(entry.Err()).To(HaveOccurred())

			res, err := h.manager.Invoke(ctx, "greeter", "greet", []byte(`{"name":"mara"}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Value).To(MatchJSON(`{"message":"hello mara"}`))
		})
	})
})
