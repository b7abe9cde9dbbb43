// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/psyche-network/coordinator/metrics"
)

// Names under which the Coordinator's named counters/gauges are kept
// in its metrics.Registry, so they can be looked back up by name for
// diagnostics rather than only through the Metrics struct fields.
const (
	metricAdmits    = "coordinator_admits_total"
	metricEvictions = "coordinator_evictions_total"
	metricSlashes   = "coordinator_slashes_total"
	metricPhase     = "coordinator_phase"
)

// Metrics collects the Coordinator's counters, gauges and averagers,
// wired the way engine/core wires its collectors in the teacher repo.
// Only RoundDuration is a prometheus-backed averager; the named
// counters/gauges are in-memory values kept
// in a metrics.Registry so a diagnostics handler can look any of them
// back up by name (see CounterByName/GaugeByName) instead of needing
// a reference to the struct field.
type Metrics struct {
	reg           metrics.Registry
	Admits        metrics.Counter
	Evictions     metrics.Counter
	Slashes       metrics.Counter
	Phase         metrics.Gauge
	RoundDuration metrics.Averager
}

// newMetrics builds the Coordinator's metrics. Only the round-duration
// averager is registered against reg; the named counters/gauges live in
// a private metrics.Registry. A nil reg gets a fresh, unregistered
// prometheus.Registry so tests and one-off tools don't need to thread
// one through.
func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	registry := metrics.NewRegistry()
	return &Metrics{
		reg:           registry,
		Admits:        registry.NewCounter(metricAdmits),
		Evictions:     registry.NewCounter(metricEvictions),
		Slashes:       registry.NewCounter(metricSlashes),
		Phase:         registry.NewGauge(metricPhase),
		RoundDuration: metrics.NewAveragerOrNoOp("coordinator_round_duration_seconds", "round duration in seconds", reg),
	}
}

// CounterByName looks up one of the Coordinator's named counters
// (metricAdmits, metricEvictions, metricSlashes) by name.
func (m *Metrics) CounterByName(name string) (metrics.Counter, error) {
	return m.reg.GetCounter(name)
}

// GaugeByName looks up one of the Coordinator's named gauges
// (metricPhase) by name.
func (m *Metrics) GaugeByName(name string) (metrics.Gauge, error) {
	return m.reg.GetGauge(name)
}

// phaseCode maps a Phase to a stable numeric code for the Phase gauge.
func phaseCode(p Phase) float64 {
	switch p.(type) {
	case WaitingForMembersPhase:
		return 0
	case WarmupPhase:
		return 1
	case RoundTrainPhase:
		return 2
	case RoundWitnessPhase:
		return 3
	case CooldownPhase:
		return 4
	case PausedPhase:
		return 5
	case FinishedPhase:
		return 6
	default:
		return -1
	}
}
