// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics for the filter service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the trace
// correlation hooks. Metrics include:
//   - Hook call counters (by hook and outcome)
//   - Ingestion delivery counters and flush latency
//   - Gauges for buffered turns, open traces, and queued events
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "tracegate"

// Subsystem for filter metrics
const filterSubsystem = "filter"

// FilterMetrics holds all Prometheus metrics for the filter hooks.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring correlation
// and backend delivery. Initialize once at startup via InitMetrics().
//
// # Fields
//
//   - HookCallsTotal: Counter of hook calls by hook and outcome
//   - FlushesTotal: Counter of ingestion flushes by status
//   - EventsShippedTotal: Counter of ingestion events delivered
//   - FlushDurationSeconds: Histogram of flush round-trip latency
//   - PendingTurns: Gauge of buffered turns awaiting their outlet
//   - OpenTraces: Gauge of trace handles open mid-outlet
//   - QueuedEvents: Gauge of ingestion events awaiting delivery
//
// # Thread Safety
//
// All operations are thread-safe.
type FilterMetrics struct {
	// HookCallsTotal counts hook invocations.
	// Labels: hook (inlet, outlet), outcome (traced, disabled,
	// malformed, backend_error)
	HookCallsTotal *prometheus.CounterVec

	// FlushesTotal counts ingestion flush attempts.
	// Labels: status (success, error)
	FlushesTotal *prometheus.CounterVec

	// EventsShippedTotal counts events handed to the backend.
	// Labels: status (success, error)
	EventsShippedTotal *prometheus.CounterVec

	// FlushDurationSeconds measures ingestion flush latency.
	FlushDurationSeconds prometheus.Histogram

	// PendingTurns tracks turns buffered at inlet time.
	PendingTurns prometheus.Gauge

	// OpenTraces tracks currently open trace handles.
	OpenTraces prometheus.Gauge

	// QueuedEvents tracks ingestion events not yet delivered.
	QueuedEvents prometheus.Gauge

	// ReapedConversationsTotal counts conversations evicted for
	// inactivity.
	ReapedConversationsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of FilterMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *FilterMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup.
//
// # Outputs
//
//   - *FilterMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *FilterMetrics {
	DefaultMetrics = &FilterMetrics{
		HookCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: filterSubsystem,
				Name:      "hook_calls_total",
				Help:      "Total hook invocations by hook and outcome",
			},
			[]string{"hook", "outcome"},
		),

		FlushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: filterSubsystem,
				Name:      "flushes_total",
				Help:      "Total ingestion flush attempts by status",
			},
			[]string{"status"},
		),

		EventsShippedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: filterSubsystem,
				Name:      "events_shipped_total",
				Help:      "Total ingestion events handed to the backend by status",
			},
			[]string{"status"},
		),

		FlushDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: filterSubsystem,
				Name:      "flush_duration_seconds",
				Help:      "Ingestion flush round-trip latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),

		PendingTurns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: filterSubsystem,
				Name:      "pending_turns",
				Help:      "Turns buffered at inlet time awaiting their outlet",
			},
		),

		OpenTraces: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: filterSubsystem,
				Name:      "open_traces",
				Help:      "Currently open trace handles",
			},
		),

		QueuedEvents: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: filterSubsystem,
				Name:      "queued_events",
				Help:      "Ingestion events queued for delivery",
			},
		),

		ReapedConversationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: filterSubsystem,
				Name:      "reaped_conversations_total",
				Help:      "Conversations evicted after exceeding the idle TTL",
			},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Hook Names
// =============================================================================

// Hook identifies a lifecycle hook for metrics labeling.
type Hook string

const (
	// HookInlet is the inbound hook.
	HookInlet Hook = "inlet"

	// HookOutlet is the outbound hook.
	HookOutlet Hook = "outlet"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordHookCall records one hook invocation and its outcome.
//
// # Inputs
//
//   - hook: Which hook ran.
//   - outcome: The correlation outcome label.
func (m *FilterMetrics) RecordHookCall(hook Hook, outcome string) {
	m.HookCallsTotal.WithLabelValues(string(hook), outcome).Inc()
}

// RecordFlush records one ingestion flush attempt.
//
// # Inputs
//
//   - count: Number of events in the flushed batch.
//   - duration: Flush round-trip time.
//   - err: Delivery error, nil on success.
func (m *FilterMetrics) RecordFlush(count int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.FlushesTotal.WithLabelValues(status).Inc()
	m.EventsShippedTotal.WithLabelValues(status).Add(float64(count))
	m.FlushDurationSeconds.Observe(duration.Seconds())
}

// RecordReaped adds evicted conversations to the reap counter.
func (m *FilterMetrics) RecordReaped(count int) {
	m.ReapedConversationsTotal.Add(float64(count))
}

// SetQueueDepths updates the state gauges in one call.
//
// # Inputs
//
//   - pending: Buffered turns.
//   - open: Open trace handles.
//   - queued: Undelivered ingestion events.
func (m *FilterMetrics) SetQueueDepths(pending, open, queued int) {
	m.PendingTurns.Set(float64(pending))
	m.OpenTraces.Set(float64(open))
	m.QueuedEvents.Set(float64(queued))
}
