// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package limits

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultWatchdogInterval is the sampling cadence for process watchdogs.
const DefaultWatchdogInterval = 250 * time.Millisecond

// Watchdog polls an isolated worker process and terminates it when the
// profile's memory or CPU ceiling is breached. Termination does not
// depend on the worker honoring cancellation: a worker stuck in a tight
// loop still dies.
type Watchdog struct {
	extension string
	proc      *process.Process
	profile   Profile
	interval  time.Duration
	kill      func()
	monitor   *Monitor
}

// NewWatchdog attaches to a running worker process. kill must be safe to
// call once from the watchdog goroutine.
func NewWatchdog(extension string, pid int, profile Profile, kill func(), monitor *Monitor) (*Watchdog, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	return &Watchdog{
		extension: extension,
		proc:      proc,
		profile:   profile,
		interval:  DefaultWatchdogInterval,
		kill:      kill,
		monitor:   monitor,
	}, nil
}

// Run samples until ctx ends or a ceiling is breached. On breach it
// records the violation, kills the worker and returns the breach. It
// returns nil when the context ends first or the process exits on its
// own.
func (w *Watchdog) Run(ctx context.Context) *ExceededError {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			breach, alive := w.sample()
			if !alive {
				return nil
			}
			if breach != nil {
				w.monitor.Record(w.extension, breach.Kind)
				w.kill()
				return breach
			}
		}
	}
}

// sample reads the worker's resident memory and cumulative CPU time.
// Read failures are treated as process exit.
func (w *Watchdog) sample() (breach *ExceededError, alive bool) {
	if w.profile.MaxMemoryBytes > 0 {
		mem, err := w.proc.MemoryInfo()
		if err != nil {
			return nil, false
		}
		if rss := int64(mem.RSS); rss > w.profile.MaxMemoryBytes {
			return &ExceededError{
				Extension: w.extension,
				Kind:      KindMemory,
				Limit:     w.profile.MaxMemoryBytes,
				Observed:  rss,
			}, true
		}
	}

	if w.profile.MaxCPU > 0 {
		times, err := w.proc.Times()
		if err != nil {
			return nil, false
		}
		used := time.Duration((times.User + times.System) * float64(time.Second))
		if used > w.profile.MaxCPU {
			return &ExceededError{
				Extension: w.extension,
				Kind:      KindCPU,
				Limit:     w.profile.MaxCPU.Milliseconds(),
				Observed:  used.Milliseconds(),
			}, true
		}
	}

	return nil, true
}
