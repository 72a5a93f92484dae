// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package langfuse implements a minimal client for the Langfuse
// ingestion API.
//
// The client queues trace, span, and generation events and ships them
// in batches with basic-auth (public key / secret key) over a retrying
// HTTP transport. All operations are best-effort: a queue write never
// fails, delivery errors are logged and counted, and the caller's
// request path is never blocked on the backend beyond the enqueue.
//
// # Lifecycle
//
//	client := langfuse.NewClient(cfg)
//	if err := client.AuthCheck(ctx); err != nil { /* disable tracing */ }
//	go client.Run(ctx)          // interval flushing
//	...
//	client.Flush(ctx)           // drain before shutdown
package langfuse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/tracegate/tracegate/pkg/logging"
	"github.com/tracegate/tracegate/services/filter/datatypes"
	"github.com/tracegate/tracegate/services/filter/valves"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDisabled means the client has no credentials configured.
	ErrDisabled = errors.New("langfuse: tracing disabled")

	// ErrAuthFailed means the backend rejected the configured keys.
	ErrAuthFailed = errors.New("langfuse: authentication failed")
)

// =============================================================================
// Client
// =============================================================================

// Config configures a Client.
type Config struct {
	// Host is the backend base URL, e.g. https://cloud.langfuse.com.
	Host string

	// PublicKey is the basic-auth username.
	PublicKey string

	// Secret materializes the basic-auth password per request. Keeping
	// a closure instead of a string lets the valves enclave own the
	// plaintext.
	Secret func() string

	// FlushInterval is the background flush cadence. Zero means 3s.
	FlushInterval time.Duration

	// FlushBatchSize caps events per ingestion request. Zero means 50.
	FlushBatchSize int

	// Logger receives delivery diagnostics. Nil means a default logger.
	Logger *logging.Logger

	// OnFlush, when set, observes every flush attempt: the number of
	// events shipped, the round-trip time, and the delivery error, nil
	// on success.
	OnFlush func(count int, duration time.Duration, err error)
}

// FromValves builds a Config from loaded valves.
func FromValves(v *valves.Valves, logger *logging.Logger) Config {
	return Config{
		Host:           v.Host,
		PublicKey:      v.PublicKey,
		Secret:         v.Secret,
		FlushInterval:  v.FlushInterval,
		FlushBatchSize: v.FlushBatchSize,
		Logger:         logger,
	}
}

// Client ships ingestion events to Langfuse.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Client struct {
	host      string
	publicKey string
	secret    func() string
	http      *retryablehttp.Client
	logger    *logging.Logger
	limiter   *rate.Limiter
	interval  time.Duration
	batchSize int
	onFlush   func(count int, duration time.Duration, err error)

	mu       sync.Mutex
	queue    []Event
	flushErr error
}

// NewClient creates a Client. Call AuthCheck before relying on it and
// Run to enable interval flushing.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 3 * time.Second
	}
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 50
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 10 * time.Second

	return &Client{
		host:      cfg.Host,
		publicKey: cfg.PublicKey,
		secret:    cfg.Secret,
		http:      rc,
		logger:    cfg.Logger,
		// Flushes are paced so a struggling backend is not stampeded
		// by interval ticks plus explicit drains.
		limiter:   rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		interval:  cfg.FlushInterval,
		batchSize: cfg.FlushBatchSize,
		onFlush:   cfg.OnFlush,
	}
}

// configured reports whether credentials are present.
func (c *Client) configured() bool {
	return c != nil && c.host != "" && c.publicKey != "" && c.secret != nil
}

// AuthCheck validates the configured credentials against the backend.
//
// # Outputs
//
//   - error: nil when the backend accepts the keys; ErrDisabled when no
//     credentials are configured; ErrAuthFailed on a 401/403; a wrapped
//     transport error otherwise.
func (c *Client) AuthCheck(ctx context.Context) error {
	if !c.configured() {
		return ErrDisabled
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/public/projects", nil)
	if err != nil {
		return fmt.Errorf("langfuse: build auth check request: %w", err)
	}
	req.SetBasicAuth(c.publicKey, c.secret())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("langfuse: auth check: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAuthFailed
	case resp.StatusCode >= 400:
		return fmt.Errorf("langfuse: auth check returned status %d", resp.StatusCode)
	}

	c.logger.Info("langfuse authentication succeeded", "host", c.host)
	return nil
}

// enqueue appends an event to the pending batch.
func (c *Client) enqueue(eventType EventType, body any) {
	c.mu.Lock()
	c.queue = append(c.queue, Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Body:      body,
	})
	c.mu.Unlock()
}

// Run flushes the queue on the configured interval until ctx is
// cancelled, then performs a final drain with a short deadline.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Flush(drainCtx); err != nil {
				c.logger.Warn("final langfuse drain failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("langfuse flush failed", "error", err)
			}
		}
	}
}

// Flush ships all queued events, in batches of at most FlushBatchSize.
// A partial (HTTP 207) response logs the rejected events and is not an
// error: the backend has accepted what it accepted.
func (c *Client) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return nil
		}
		n := len(c.queue)
		if n > c.batchSize {
			n = c.batchSize
		}
		batch := make([]Event, n)
		copy(batch, c.queue[:n])
		c.queue = c.queue[n:]
		c.mu.Unlock()

		start := time.Now()
		err := c.ship(ctx, batch)
		elapsed := time.Since(start)
		if c.onFlush != nil {
			c.onFlush(len(batch), elapsed, err)
		}
		if err != nil {
			// Put the batch back so a later flush can retry it.
			c.mu.Lock()
			c.queue = append(batch, c.queue...)
			c.flushErr = err
			c.mu.Unlock()
			return err
		}
		c.mu.Lock()
		c.flushErr = nil
		c.mu.Unlock()
	}
}

// ship delivers one batch.
func (c *Client) ship(ctx context.Context, batch []Event) error {
	if !c.configured() {
		return ErrDisabled
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(ingestionRequest{Batch: batch})
	if err != nil {
		return fmt.Errorf("langfuse: encode batch: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/api/public/ingestion", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("langfuse: build ingestion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.publicKey, c.secret())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("langfuse: ship batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("langfuse: ingestion returned status %d", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusMultiStatus {
		var multi ingestionResponse
		if err := json.NewDecoder(resp.Body).Decode(&multi); err == nil {
			for _, e := range multi.Errors {
				c.logger.Warn("langfuse rejected event",
					"event_id", e.ID, "status", e.Status, "message", e.Message)
			}
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return nil
}

// Degraded returns the error of the most recent failed flush, or nil
// when the last delivery succeeded. Queued-but-unflushed events do not
// count as degradation.
func (c *Client) Degraded() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushErr
}

// Pending returns the number of queued events. Used by tests and the
// open-handle gauge.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// =============================================================================
// Trace Handles
// =============================================================================

// TraceParams describes a trace at creation or update time.
type TraceParams struct {
	Name      string
	UserID    string
	SessionID string
	Input     any
	Output    any
	Metadata  map[string]any
	Tags      []string
}

// Trace is an open trace owned by the caller until End.
type Trace struct {
	ID     string
	client *Client
}

// StartTrace enqueues a trace-create event and returns its handle.
func (c *Client) StartTrace(p TraceParams) *Trace {
	id := uuid.NewString()
	now := time.Now().UTC()
	c.enqueue(EventTraceCreate, TraceBody{
		ID:        id,
		Timestamp: &now,
		Name:      p.Name,
		UserID:    p.UserID,
		SessionID: p.SessionID,
		Input:     p.Input,
		Metadata:  p.Metadata,
		Tags:      p.Tags,
	})
	return &Trace{ID: id, client: c}
}

// Update enqueues a trace-update carrying the given fields.
func (t *Trace) Update(p TraceParams) {
	t.client.enqueue(EventTraceUpdate, TraceBody{
		ID:        t.ID,
		Name:      p.Name,
		UserID:    p.UserID,
		SessionID: p.SessionID,
		Input:     p.Input,
		Output:    p.Output,
		Metadata:  p.Metadata,
		Tags:      p.Tags,
	})
}

// End closes the trace. The ingestion API has no dedicated end event;
// a final update stamped with the end time is what SDK .end() sends.
func (t *Trace) End() {
	now := time.Now().UTC()
	t.client.enqueue(EventTraceUpdate, TraceBody{
		ID:        t.ID,
		Timestamp: &now,
	})
}

// =============================================================================
// Span Handles
// =============================================================================

// SpanParams describes a span under a trace.
type SpanParams struct {
	Name     string
	Input    any
	Output   any
	Metadata map[string]any
}

// Span is an open observation of type span.
type Span struct {
	ID     string
	client *Client
}

// StartSpan enqueues a span-create under the trace.
func (t *Trace) StartSpan(p SpanParams) *Span {
	id := uuid.NewString()
	now := time.Now().UTC()
	t.client.enqueue(EventSpanCreate, ObservationBody{
		ID:        id,
		TraceID:   t.ID,
		Name:      p.Name,
		StartTime: &now,
		Input:     p.Input,
		Output:    p.Output,
		Metadata:  p.Metadata,
	})
	return &Span{ID: id, client: t.client}
}

// End stamps the span's end time.
func (s *Span) End() {
	now := time.Now().UTC()
	s.client.enqueue(EventSpanUpdate, ObservationBody{
		ID:      s.ID,
		EndTime: &now,
	})
}

// =============================================================================
// Generation Handles
// =============================================================================

// GenerationParams describes a generation observation.
type GenerationParams struct {
	Name     string
	Model    string
	Input    any
	Output   any
	Metadata map[string]any
	Usage    *datatypes.Usage
}

// Generation is an open observation of type generation.
type Generation struct {
	ID     string
	client *Client
}

// StartGeneration enqueues a generation-create under the trace.
func (t *Trace) StartGeneration(p GenerationParams) *Generation {
	id := uuid.NewString()
	now := time.Now().UTC()
	body := ObservationBody{
		ID:        id,
		TraceID:   t.ID,
		Name:      p.Name,
		StartTime: &now,
		Input:     p.Input,
		Output:    p.Output,
		Metadata:  p.Metadata,
		Model:     p.Model,
		Usage:     p.Usage,
	}
	t.client.enqueue(EventGenerationCreate, body)
	return &Generation{ID: id, client: t.client}
}

// End stamps the generation's end time.
func (g *Generation) End() {
	now := time.Now().UTC()
	g.client.enqueue(EventGenerationUpdate, ObservationBody{
		ID:      g.ID,
		EndTime: &now,
	})
}
