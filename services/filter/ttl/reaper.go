// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ttl provides time-to-live management for conversation state.
//
// Conversations that stop mid-turn (browser closed, host restarted)
// leave buffered input and identity records behind. The reaper walks
// the correlator on an interval and evicts anything idle past the
// configured TTL, so abandoned conversations cannot grow the maps
// forever.
package ttl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tracegate/tracegate/pkg/logging"
)

// =============================================================================
// Reaper
// =============================================================================

// Reapable is the state store the reaper cleans. Reap evicts every
// conversation idle longer than maxIdle and returns the number
// evicted.
type Reapable interface {
	Reap(maxIdle time.Duration) int
}

// ReaperConfig holds configuration for the background reaper.
//
// # Fields
//
//   - Interval: How often to run an eviction cycle. Default: 5 minutes.
//   - MaxIdle: Idle time after which a conversation is evicted.
//     Default: 30 minutes.
//   - OnReaped: Optional observer called with the eviction count after
//     each nonzero cycle.
type ReaperConfig struct {
	Interval time.Duration
	MaxIdle  time.Duration
	OnReaped func(count int)
}

// DefaultReaperConfig returns production-ready defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval: 5 * time.Minute,
		MaxIdle:  30 * time.Minute,
	}
}

// Reaper periodically evicts idle conversation state.
//
// # Thread Safety
//
// All public methods are thread-safe. Only one reaper should run per
// process.
type Reaper struct {
	target  Reapable
	logger  *logging.Logger
	config  ReaperConfig
	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewReaper creates a Reaper. Zero config fields fall back to
// DefaultReaperConfig values.
func NewReaper(target Reapable, logger *logging.Logger, config ReaperConfig) *Reaper {
	defaults := DefaultReaperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxIdle <= 0 {
		config.MaxIdle = defaults.MaxIdle
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reaper{
		target: target,
		logger: logger,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start begins the background eviction loop. Returns an error when the
// reaper is already running. The loop stops when Stop is called or ctx
// is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper already running")
	}
	r.running = true
	r.mu.Unlock()

	go r.loop(ctx)
	r.logger.Info("conversation reaper started",
		"interval", r.config.Interval.String(), "max_idle", r.config.MaxIdle.String())
	return nil
}

// Stop requests shutdown of the eviction loop. Safe to call more than
// once.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.done)
}

// RunOnce performs a single eviction cycle.
func (r *Reaper) RunOnce() int {
	count := r.target.Reap(r.config.MaxIdle)
	if count > 0 {
		r.logger.Info("evicted idle conversations", "count", count)
		if r.config.OnReaped != nil {
			r.config.OnReaped(count)
		}
	}
	return count
}

// loop is the ticker + done channel cycle.
func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}
