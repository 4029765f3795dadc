// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package goplugin

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/cradlehq/cradle/internal/extension"
	"github.com/cradlehq/cradle/internal/extension/hostfunc"
	"github.com/cradlehq/cradle/internal/extension/limits"
	"github.com/cradlehq/cradle/internal/stream"
	"github.com/cradlehq/cradle/pkg/extsdk"
)

// Spawn backoff absorbs transient races: a binary still being written,
// a port exhausted, a loaded machine missing the handshake deadline.
const (
	spawnBackoffBase = 100 * time.Millisecond
	spawnMaxRetries  = 4
)

// Compile-time interface check.
var _ extension.Instance = (*instance)(nil)

// instance is one worker process. The process may die and be replaced
// behind a stable instance: the watchdog kills it on a resource breach
// and the next call respawns it, replaying init and start so the fresh
// process matches the entry's lifecycle state.
type instance struct {
	id       string
	execPath string
	profile  limits.Profile
	surface  *hostfunc.Surface
	rt       *Runtime

	mu        sync.Mutex
	client    WorkerClient
	worker    extsdk.Worker
	stopWatch context.CancelFunc
	inited    bool
	started   bool
	closed    bool

	// breach holds the watchdog's verdict from kill until respawn, so
	// calls failing against the dead worker report the real cause.
	breach atomic.Pointer[limits.ExceededError]
}

// spawn launches a fresh worker and binds the host callback channel.
// Caller holds i.mu.
func (i *instance) spawn(ctx context.Context) error {
	var client WorkerClient
	var worker extsdk.Worker

	backoff := retry.WithMaxRetries(spawnMaxRetries, retry.NewFibonacci(spawnBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		client = i.rt.factory.NewClient(i.execPath)
		proto, err := client.Client()
		if err != nil {
			client.Kill()
			return retry.RetryableError(err)
		}
		raw, err := proto.Dispense(extsdk.WorkerName)
		if err != nil {
			client.Kill()
			return retry.RetryableError(err)
		}
		worker, err = assertWorker(raw)
		if err != nil {
			client.Kill()
			return err
		}
		return nil
	})
	if err != nil {
		return oops.In("goplugin").
			With("extension", i.id).
			With("path", i.execPath).
			Wrapf(err, "spawning worker")
	}

	if err := worker.BindHost(ctx, &hostServer{surface: i.surface}); err != nil {
		client.Kill()
		return oops.In("goplugin").
			With("extension", i.id).
			Wrapf(err, "binding host callbacks")
	}

	i.client = client
	i.worker = worker
	i.breach.Store(nil)
	i.startWatchdog(client)
	return nil
}

// startWatchdog attaches a resource poller to the worker process.
// Caller holds i.mu. The kill closure captures this spawn's client so a
// lingering watchdog can never touch a successor process.
func (i *instance) startWatchdog(client WorkerClient) {
	if i.profile.MaxMemoryBytes <= 0 && i.profile.MaxCPU <= 0 {
		return
	}
	rc := client.ReattachConfig()
	if rc == nil || rc.Pid == 0 {
		i.rt.logger.Warn("worker pid unavailable, resource watchdog disabled", "extension", i.id)
		return
	}

	wd, err := limits.NewWatchdog(i.id, rc.Pid, i.profile, client.Kill, i.rt.monitor)
	if err != nil {
		i.rt.logger.Warn("attaching resource watchdog", "extension", i.id, "error", err)
		return
	}

	wctx, cancel := context.WithCancel(context.Background())
	i.stopWatch = cancel
	go func() {
		if breach := wd.Run(wctx); breach != nil {
			i.breach.Store(breach)
			i.rt.logger.Warn("worker killed after resource breach",
				"extension", i.id,
				"kind", string(breach.Kind),
				"limit", breach.Limit,
				"observed", breach.Observed)
		}
	}()
}

// ensureLive respawns a dead worker and replays its lifecycle. Caller
// holds i.mu.
func (i *instance) ensureLive(ctx context.Context) error {
	if i.closed {
		return oops.In("goplugin").With("extension", i.id).New("instance is closed")
	}
	if i.client != nil && !i.client.Exited() {
		return nil
	}

	i.teardownLocked()
	if err := i.spawn(ctx); err != nil {
		return err
	}
	if i.inited {
		if err := i.worker.Init(ctx); err != nil {
			return oops.In("goplugin").With("extension", i.id).Wrapf(err, "replaying init on respawn")
		}
	}
	if i.started {
		if err := i.worker.Start(ctx); err != nil {
			return oops.In("goplugin").With("extension", i.id).Wrapf(err, "replaying start on respawn")
		}
	}
	return nil
}

// teardownLocked stops the watchdog and the process. Caller holds i.mu.
func (i *instance) teardownLocked() {
	if i.stopWatch != nil {
		i.stopWatch()
		i.stopWatch = nil
	}
	if i.client != nil {
		i.client.Kill()
		i.client = nil
	}
	i.worker = nil
}

// failure translates a worker call error. A pending watchdog breach is
// the real cause of calls that died with the process.
func (i *instance) failure(op string, err error) error {
	if breach := i.breach.Load(); breach != nil {
		return breach
	}
	return oops.In("goplugin").With("extension", i.id).Wrapf(err, "%s failed", op)
}

// liveWorker readies the worker and returns it for an unlocked call.
func (i *instance) liveWorker(ctx context.Context) (extsdk.Worker, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ensureLive(ctx); err != nil {
		return nil, err
	}
	return i.worker, nil
}

func (i *instance) Init(ctx context.Context) error {
	worker, err := i.liveWorker(ctx)
	if err != nil {
		return err
	}
	if err := worker.Init(ctx); err != nil {
		return i.failure("init hook", err)
	}
	i.mu.Lock()
	i.inited = true
	i.mu.Unlock()
	return nil
}

func (i *instance) Start(ctx context.Context) error {
	worker, err := i.liveWorker(ctx)
	if err != nil {
		return err
	}
	if err := worker.Start(ctx); err != nil {
		return i.failure("start hook", err)
	}
	i.mu.Lock()
	i.started = true
	i.mu.Unlock()
	return nil
}

// Stop deactivates the worker. A worker that already died needs no stop
// call and no respawn for one.
func (i *instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return oops.In("goplugin").With("extension", i.id).New("instance is closed")
	}
	if i.client == nil || i.client.Exited() {
		i.started = false
		i.mu.Unlock()
		return nil
	}
	worker := i.worker
	i.mu.Unlock()

	if err := worker.Stop(ctx); err != nil {
		return i.failure("stop hook", err)
	}
	i.mu.Lock()
	i.started = false
	i.mu.Unlock()
	return nil
}

// Invoke dispatches one action across the process boundary. Streaming
// actions pull chunks from the worker at the consumer's pace.
func (i *instance) Invoke(ctx context.Context, action string, input json.RawMessage, emit stream.EmitFunc) (json.RawMessage, error) {
	worker, err := i.liveWorker(ctx)
	if err != nil {
		return nil, err
	}

	if emit == nil {
		value, err := worker.Invoke(ctx, action, input)
		if err != nil {
			return nil, i.failure("action "+action, err)
		}
		return value, nil
	}

	puller, err := worker.Stream(ctx, action, input)
	if err != nil {
		return nil, i.failure("action "+action, err)
	}
	defer func() { _ = puller.Close() }()

	for {
		chunk, done, err := puller.Next(ctx)
		if err != nil {
			return nil, i.failure("action "+action+" stream", err)
		}
		if done {
			return nil, nil
		}
		if err := emit(chunk); err != nil {
			return nil, err
		}
	}
}

// Close kills the worker for good.
func (i *instance) Close(_ context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.teardownLocked()
	i.mu.Unlock()

	i.rt.forget(i)
	return nil
}

// hostServer is the callback surface served to one worker over the
// broker. Every method funnels through the extension's capability-gated
// surface, so a process extension holds exactly the same powers as an
// in-process one.
type hostServer struct {
	surface *hostfunc.Surface
}

func (s *hostServer) StateSave(args extsdk.StateSaveArgs, _ *extsdk.Empty) error {
	return s.surface.StateSave(context.Background(), args.Key, args.Doc)
}

func (s *hostServer) StateLoad(args extsdk.StateLoadArgs, reply *extsdk.StateLoadReply) error {
	doc, found, err := s.surface.StateLoad(context.Background(), args.Key)
	if err != nil {
		return err
	}
	reply.Doc = doc
	reply.Found = found
	return nil
}

func (s *hostServer) StateDelete(args extsdk.StateDeleteArgs, _ *extsdk.Empty) error {
	return s.surface.StateDelete(context.Background(), args.Key)
}

func (s *hostServer) EventPublish(args extsdk.EventPublishArgs, _ *extsdk.Empty) error {
	return s.surface.EventPublish(context.Background(), args.Type, args.Payload)
}

func (s *hostServer) EventSubscribe(args extsdk.EventSubscribeArgs, _ *extsdk.Empty) error {
	_, err := s.surface.SubscribeAction(args.Type, args.Action)
	return err
}

func (s *hostServer) Log(args extsdk.LogArgs, _ *extsdk.Empty) error {
	logger := s.surface.Logger()
	switch args.Level {
	case "debug":
		logger.Debug(args.Message)
	case "warn":
		logger.Warn(args.Message)
	case "error":
		logger.Error(args.Message)
	default:
		logger.Info(args.Message)
	}
	return nil
}
