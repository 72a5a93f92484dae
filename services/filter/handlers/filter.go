// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP handlers for the filter service.
//
// The central type is Filter: it owns the correlator, the current
// valves, and the active backend client, and coordinates the swap that
// happens when valves change at runtime. Handler factories take a
// *Filter and return gin handlers, mirroring how the service wires
// every other dependency.
package handlers

import (
	"context"
	"sync"

	"github.com/tracegate/tracegate/pkg/logging"
	"github.com/tracegate/tracegate/services/filter/correlator"
	"github.com/tracegate/tracegate/services/filter/langfuse"
	"github.com/tracegate/tracegate/services/filter/observability"
	"github.com/tracegate/tracegate/services/filter/valves"
)

// =============================================================================
// Filter
// =============================================================================

// Filter owns the runtime state of the service.
//
// # Description
//
// One Filter exists per process. It is constructed with the initial
// valves, started once, and reconfigured through ApplyValves whenever
// the valve endpoint or the overlay-file watcher delivers new valves.
// Each reconfiguration builds a fresh backend client, re-runs the auth
// check, swaps the client into the correlator, and retires the
// previous client's flush loop after a final drain.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Filter struct {
	logger     *logging.Logger
	metrics    *observability.FilterMetrics
	correlator *correlator.Correlator

	mu      sync.Mutex
	baseCtx context.Context
	valves  *valves.Valves
	client  *langfuse.Client
	cancel  context.CancelFunc
}

// NewFilter creates a Filter with tracing disabled. Call Start to load
// the valves into effect.
func NewFilter(v *valves.Valves, logger *logging.Logger, metrics *observability.FilterMetrics) *Filter {
	return &Filter{
		logger:  logger,
		metrics: metrics,
		valves:  v,
		correlator: correlator.New(correlator.Config{
			Enabled: false,
			Logger:  logger,
		}),
	}
}

// Start applies the initial valves and begins background flushing.
// ctx bounds every background goroutine the Filter spawns; cancelling
// it stops the active client's flush loop.
func (f *Filter) Start(ctx context.Context) {
	f.mu.Lock()
	f.baseCtx = ctx
	v := f.valves
	f.mu.Unlock()
	f.ApplyValves(ctx, v)
}

// ApplyValves puts new valves into effect.
//
// # Description
//
// Builds a client from the valves and runs the auth check. Tracing is
// enabled only when the valves are complete and the backend accepts
// them; otherwise the hooks pass turns through until the next update.
// The swap itself always succeeds, so a bad update is recoverable by a
// later good one without a restart.
//
// # Outputs
//
//   - bool: Whether tracing is enabled under the new valves.
func (f *Filter) ApplyValves(ctx context.Context, v *valves.Valves) bool {
	cfg := langfuse.FromValves(v, f.logger)
	if f.metrics != nil {
		cfg.OnFlush = f.metrics.RecordFlush
	}
	client := langfuse.NewClient(cfg)

	enabled := false
	if !v.Configured() {
		f.logger.Warn("langfuse valves incomplete, tracing disabled")
	} else if err := client.AuthCheck(ctx); err != nil {
		f.logger.Error("langfuse auth check failed, tracing disabled",
			"host", v.Host, "error", err)
	} else {
		enabled = true
	}

	f.mu.Lock()
	base := f.baseCtx
	if base == nil {
		base = context.Background()
	}
	runCtx, cancel := context.WithCancel(base)
	retire := f.cancel
	f.valves = v
	f.client = client
	f.cancel = cancel
	f.mu.Unlock()

	go client.Run(runCtx)
	if retire != nil {
		// The old client drains its queue on cancellation.
		retire()
	}

	f.correlator.Reconfigure(client, enabled, v.InsertTags, v.UseModelName)
	f.logger.Info("valves applied", "tracing_enabled", enabled, "host", v.Host)
	return enabled
}

// Valves returns the valves currently in effect.
func (f *Filter) Valves() *valves.Valves {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valves
}

// Client returns the active backend client.
func (f *Filter) Client() *langfuse.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.client
}

// Correlator returns the correlator. The reaper loop uses it.
func (f *Filter) Correlator() *correlator.Correlator {
	return f.correlator
}

// Shutdown ends open traces and drains the event queue.
func (f *Filter) Shutdown(ctx context.Context) {
	f.correlator.Shutdown()
	f.mu.Lock()
	client := f.client
	cancel := f.cancel
	f.mu.Unlock()
	if client != nil {
		if err := client.Flush(ctx); err != nil {
			f.logger.Warn("shutdown flush failed, events lost", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// observe refreshes the state gauges after a hook call.
func (f *Filter) observe(hook observability.Hook, res correlator.Result) {
	if f.metrics == nil {
		return
	}
	f.metrics.RecordHookCall(hook, string(res.Outcome))
	pending := 0
	if client := f.Client(); client != nil {
		pending = client.Pending()
	}
	f.metrics.SetQueueDepths(f.correlator.Buffered(), f.correlator.Open(), pending)
}
