// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extsdk

// Wire types for the host/extension net/rpc protocol. Payloads stay
// raw JSON bytes end to end; gob only frames them.

// Empty is the placeholder for calls without arguments or results.
type Empty struct{}

// BindHostArgs carries the broker channel the host serves its callback
// surface on.
type BindHostArgs struct {
	BrokerID uint32
}

// InvokeArgs carries one action dispatch.
type InvokeArgs struct {
	Action string
	Input  []byte
}

// InvokeReply carries a terminal action's result value.
type InvokeReply struct {
	Value []byte
}

// OpenStreamReply carries the broker channel a streaming invocation's
// chunks are pulled from.
type OpenStreamReply struct {
	StreamID uint32
}

// NextReply carries one pull from a stream channel. Done marks the end
// of the stream; Err is the producer's failure, empty on a clean end.
type NextReply struct {
	Chunk []byte
	Done  bool
	Err   string
}

// StateSaveArgs writes one document into the extension's namespace.
type StateSaveArgs struct {
	Key string
	Doc []byte
}

// StateLoadArgs reads one document.
type StateLoadArgs struct {
	Key string
}

// StateLoadReply returns the document; Found is false for a missing key.
type StateLoadReply struct {
	Doc   []byte
	Found bool
}

// StateDeleteArgs removes one document.
type StateDeleteArgs struct {
	Key string
}

// EventPublishArgs publishes one event under the extension's identity.
type EventPublishArgs struct {
	Type    string
	Payload []byte
}

// EventSubscribeArgs routes future events of Type to Action.
type EventSubscribeArgs struct {
	Type   string
	Action string
}

// LogArgs writes one line to the host's structured log.
type LogArgs struct {
	Level   string
	Message string
}
