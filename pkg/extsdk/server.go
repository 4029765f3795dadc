// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	hashiplug "github.com/hashicorp/go-plugin"
)

// workerServer is the extension-side RPC surface the host drives. One
// instance serves the whole process; Invoke and OpenStream may run
// concurrently.
type workerServer struct {
	broker *hashiplug.MuxBroker
	ext    Extension

	mu   sync.Mutex
	host *Host
}

// BindHost dials the host's callback channel and builds the Host handle
// later passed to the extension at Init. Rebinding replaces the handle;
// the host does that when it respawns a killed worker.
func (s *workerServer) BindHost(args BindHostArgs, _ *Empty) error {
	conn, err := s.broker.Dial(args.BrokerID)
	if err != nil {
		return fmt.Errorf("dialing host callback channel %d: %w", args.BrokerID, err)
	}

	host := newHost(conn)
	s.mu.Lock()
	old := s.host
	s.host = host
	s.mu.Unlock()
	if old != nil {
		old.close()
	}
	return nil
}

func (s *workerServer) boundHost() (*Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host == nil {
		return nil, errors.New("extsdk: host not bound")
	}
	return s.host, nil
}

func (s *workerServer) Init(_ Empty, _ *Empty) error {
	host, err := s.boundHost()
	if err != nil {
		return err
	}
	return s.ext.Init(context.Background(), host)
}

func (s *workerServer) Start(_ Empty, _ *Empty) error {
	return s.ext.Start(context.Background())
}

func (s *workerServer) Stop(_ Empty, _ *Empty) error {
	return s.ext.Stop(context.Background())
}

func (s *workerServer) Invoke(args InvokeArgs, reply *InvokeReply) error {
	value, err := s.ext.Invoke(context.Background(), args.Action, args.Input, nil)
	if err != nil {
		return err
	}
	reply.Value = value
	return nil
}

// OpenStream starts the producer and serves its chunks on a fresh
// broker channel the host pulls from.
func (s *workerServer) OpenStream(args InvokeArgs, reply *OpenStreamReply) error {
	pctx, cancel := context.WithCancel(context.Background())
	srv := newPullServer(pctx, cancel, s.ext, args.Action, args.Input)

	id := s.broker.NextId()
	go func() {
		// AcceptAndServe returns when the host closes the channel or
		// never dials; stop the producer either way.
		s.broker.AcceptAndServe(id, srv)
		cancel()
	}()

	reply.StreamID = id
	return nil
}

// pullServer runs one streaming invocation and hands chunks out on
// demand. The producer blocks in emit until the host pulls, so a slow
// consumer throttles the extension instead of buffering in the worker.
type pullServer struct {
	chunks <-chan json.RawMessage
	result <-chan string
	cancel context.CancelFunc

	mu    sync.Mutex
	ended bool
	err   string
}

func newPullServer(ctx context.Context, cancel context.CancelFunc, ext Extension, action string, input []byte) *pullServer {
	chunks := make(chan json.RawMessage)
	result := make(chan string, 1)

	go func() {
		_, err := ext.Invoke(ctx, action, input, func(chunk json.RawMessage) error {
			select {
			case chunks <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		close(chunks)
		if err != nil {
			result <- err.Error()
		} else {
			result <- ""
		}
	}()

	return &pullServer{chunks: chunks, result: result, cancel: cancel}
}

// Next blocks for the next chunk. After the producer returns, every
// pull reports Done with the producer's error, if any.
func (p *pullServer) Next(_ Empty, reply *NextReply) error {
	p.mu.Lock()
	if p.ended {
		reply.Done = true
		reply.Err = p.err
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	chunk, ok := <-p.chunks
	if ok {
		reply.Chunk = chunk
		return nil
	}

	p.mu.Lock()
	if !p.ended {
		p.ended = true
		p.err = <-p.result
	}
	reply.Done = true
	reply.Err = p.err
	p.mu.Unlock()
	return nil
}

// Close cancels the producer.
func (p *pullServer) Close(_ Empty, _ *Empty) error {
	p.cancel()
	return nil
}
