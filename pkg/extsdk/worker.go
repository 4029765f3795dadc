// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extsdk

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"

	hashiplug "github.com/hashicorp/go-plugin"
)

// Compile-time interface checks.
var (
	_ hashiplug.Plugin = (*WorkerPlugin)(nil)
	_ Worker           = (*workerRPC)(nil)
)

// Worker is the host's view of a dispensed extension process. All
// methods cross the process boundary; ctx bounds only the host's wait,
// it does not cancel work already running in the extension.
type Worker interface {
	// BindHost serves srv to the extension over the broker so host
	// callbacks (state, events, log) have somewhere to land. Call it
	// once, before Init.
	BindHost(ctx context.Context, srv any) error
	// Init runs the extension's initialization hook.
	Init(ctx context.Context) error
	// Start activates the extension.
	Start(ctx context.Context) error
	// Stop deactivates the extension.
	Stop(ctx context.Context) error
	// Invoke dispatches one terminal action.
	Invoke(ctx context.Context, action string, input []byte) ([]byte, error)
	// Stream dispatches one streaming action and returns the puller
	// its chunks are consumed through.
	Stream(ctx context.Context, action string, input []byte) (Puller, error)
}

// Puller consumes one stream channel chunk by chunk.
type Puller interface {
	// Next blocks for the next chunk. done reports the end of the
	// stream; a non-nil error alongside done is the producer's failure.
	Next(ctx context.Context) (chunk []byte, done bool, err error)
	// Close releases the channel and cancels the remote producer.
	Close() error
}

// WorkerPlugin is the go-plugin glue for the extension protocol. The
// host dispenses it with Impl nil; Serve fills Impl on the extension
// side.
type WorkerPlugin struct {
	Impl Extension
}

// Server builds the extension-side RPC server.
func (p *WorkerPlugin) Server(broker *hashiplug.MuxBroker) (any, error) {
	if p.Impl == nil {
		return nil, errors.New("extsdk: extension implementation is nil")
	}
	return &workerServer{broker: broker, ext: p.Impl}, nil
}

// Client builds the host-side stub.
func (p *WorkerPlugin) Client(broker *hashiplug.MuxBroker, c *rpc.Client) (any, error) {
	return &workerRPC{broker: broker, client: c}, nil
}

// callCtx issues one RPC and waits for the reply or the context,
// whichever comes first. An abandoned call keeps running remotely.
func callCtx(ctx context.Context, c *rpc.Client, method string, args, reply any) error {
	call := c.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case done := <-call.Done:
		return done.Error
	}
}

// workerRPC implements Worker over a dispensed net/rpc connection.
type workerRPC struct {
	broker *hashiplug.MuxBroker
	client *rpc.Client
}

func (w *workerRPC) BindHost(ctx context.Context, srv any) error {
	id := w.broker.NextId()
	go w.broker.AcceptAndServe(id, srv)
	return callCtx(ctx, w.client, "Plugin.BindHost", BindHostArgs{BrokerID: id}, &Empty{})
}

func (w *workerRPC) Init(ctx context.Context) error {
	return callCtx(ctx, w.client, "Plugin.Init", Empty{}, &Empty{})
}

func (w *workerRPC) Start(ctx context.Context) error {
	return callCtx(ctx, w.client, "Plugin.Start", Empty{}, &Empty{})
}

func (w *workerRPC) Stop(ctx context.Context) error {
	return callCtx(ctx, w.client, "Plugin.Stop", Empty{}, &Empty{})
}

func (w *workerRPC) Invoke(ctx context.Context, action string, input []byte) ([]byte, error) {
	var reply InvokeReply
	if err := callCtx(ctx, w.client, "Plugin.Invoke", InvokeArgs{Action: action, Input: input}, &reply); err != nil {
		return nil, err
	}
	return reply.Value, nil
}

func (w *workerRPC) Stream(ctx context.Context, action string, input []byte) (Puller, error) {
	var reply OpenStreamReply
	if err := callCtx(ctx, w.client, "Plugin.OpenStream", InvokeArgs{Action: action, Input: input}, &reply); err != nil {
		return nil, err
	}
	conn, err := w.broker.Dial(reply.StreamID)
	if err != nil {
		return nil, fmt.Errorf("dialing stream channel %d: %w", reply.StreamID, err)
	}
	return &rpcPuller{client: rpc.NewClient(conn)}, nil
}

// rpcPuller pulls chunks over a dedicated broker channel.
type rpcPuller struct {
	client *rpc.Client
}

func (p *rpcPuller) Next(ctx context.Context) ([]byte, bool, error) {
	var reply NextReply
	if err := callCtx(ctx, p.client, "Plugin.Next", Empty{}, &reply); err != nil {
		return nil, false, err
	}
	if reply.Done {
		if reply.Err != "" {
			return nil, true, errors.New(reply.Err)
		}
		return nil, true, nil
	}
	return reply.Chunk, false, nil
}

func (p *rpcPuller) Close() error {
	// Best effort: the producer also stops when the connection drops.
	_ = p.client.Call("Plugin.Close", Empty{}, &Empty{})
	return p.client.Close()
}
