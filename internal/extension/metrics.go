// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Invocation outcomes for the invocations counter.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeDenied   = "denied"
	OutcomeExceeded = "limit_exceeded"
)

// Metrics collects the runtime's operational signals. Every method is
// safe on a nil receiver, so manager code never branches on whether
// observability is wired.
type Metrics struct {
	transitions *prometheus.CounterVec
	invocations *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	duplicates  prometheus.Counter
	published   *prometheus.CounterVec
	registered  prometheus.Gauge
	started     prometheus.Gauge
}

// NewMetrics registers the runtime collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cradle",
			Subsystem: "extension",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by extension and resulting state.",
		}, []string{"extension", "to"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cradle",
			Subsystem: "extension",
			Name:      "invocations_total",
			Help:      "Action invocations by extension, action and outcome.",
		}, []string{"extension", "action", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cradle",
			Subsystem: "extension",
			Name:      "invocation_seconds",
			Help:      "Action invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"extension", "action"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cradle",
			Subsystem: "extension",
			Name:      "duplicate_manifests_total",
			Help:      "Manifests skipped because their id was already taken.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cradle",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published on the host bus by event type.",
		}, []string{"type"}),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cradle",
			Subsystem: "extension",
			Name:      "registered",
			Help:      "Extensions currently in the registry.",
		}),
		started: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cradle",
			Subsystem: "extension",
			Name:      "started",
			Help:      "Extensions currently in STARTED state.",
		}),
	}
	reg.MustRegister(
		m.transitions, m.invocations, m.durations,
		m.duplicates, m.published, m.registered, m.started,
	)
	return m
}

// Transition counts one lifecycle transition and keeps the started gauge
// in step.
func (m *Metrics) Transition(extension string, from, to State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(extension, to.String()).Inc()
	if to == StateStarted {
		m.started.Inc()
	} else if from == StateStarted {
		m.started.Dec()
	}
}

// Invocation records one action dispatch.
func (m *Metrics) Invocation(extension, action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(extension, action, outcome).Inc()
	m.durations.WithLabelValues(extension, action).Observe(elapsed.Seconds())
}

// DuplicateManifest counts one skipped duplicate id.
func (m *Metrics) DuplicateManifest() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// BusPublished counts one event publish.
func (m *Metrics) BusPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

// RegistrySize tracks the number of live registry entries.
func (m *Metrics) RegistrySize(n int) {
	if m == nil {
		return
	}
	m.registered.Set(float64(n))
}
