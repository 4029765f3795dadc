// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package limits

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor accumulates limit violations per extension. Hosts consult the
// counts when deciding whether a repeatedly breaching extension should
// be stopped; the Prometheus counter exposes the same signal outward.
// All methods are safe on a nil receiver so enforcement code never
// branches on whether accounting is wired.
type Monitor struct {
	mu     sync.Mutex
	counts map[string]map[Kind]uint64

	breaches *prometheus.CounterVec
}

// NewMonitor builds a Monitor. reg may be nil to keep the counts
// in-process only.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{counts: make(map[string]map[Kind]uint64)}
	if reg != nil {
		m.breaches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cradle",
			Subsystem: "limits",
			Name:      "breaches_total",
			Help:      "Resource limit breaches by extension and resource kind.",
		}, []string{"extension", "kind"})
		reg.MustRegister(m.breaches)
	}
	return m
}

// Record counts one violation.
func (m *Monitor) Record(extension string, kind Kind) {
	if m == nil {
		return
	}
	m.mu.Lock()
	per := m.counts[extension]
	if per == nil {
		per = make(map[Kind]uint64)
		m.counts[extension] = per
	}
	per[kind]++
	m.mu.Unlock()

	if m.breaches != nil {
		m.breaches.WithLabelValues(extension, string(kind)).Inc()
	}
}

// Violations returns the total violations recorded for an extension.
func (m *Monitor) Violations(extension string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, n := range m.counts[extension] {
		total += n
	}
	return total
}

// ViolationsOf returns the violations of one kind for an extension.
func (m *Monitor) ViolationsOf(extension string, kind Kind) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[extension][kind]
}
