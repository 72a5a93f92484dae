// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package langfuse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegate/tracegate/pkg/logging"
	"github.com/tracegate/tracegate/services/filter/datatypes"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

// ingestionRecorder captures every batch POSTed to /api/public/ingestion.
type ingestionRecorder struct {
	mu      sync.Mutex
	batches [][]Event
	user    string
	pass    string
	status  int
	reply   string
}

func (r *ingestionRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	user, pass, _ := req.BasicAuth()
	r.mu.Lock()
	r.user, r.pass = user, pass
	r.mu.Unlock()

	switch req.URL.Path {
	case "/api/public/projects":
		w.WriteHeader(http.StatusOK)
	case "/api/public/ingestion":
		var body ingestionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.batches = append(r.batches, body.Batch)
		status, reply := r.status, r.reply
		r.mu.Unlock()
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		if reply != "" {
			w.Write([]byte(reply))
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (r *ingestionRecorder) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Event
	for _, b := range r.batches {
		all = append(all, b...)
	}
	return all
}

func newTestClient(t *testing.T, rec *ingestionRecorder) *Client {
	t.Helper()
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		Host:      srv.URL,
		PublicKey: "pk-test",
		Secret:    func() string { return "sk-test" },
		Logger:    quietLogger(),
	})
}

func TestAuthCheck(t *testing.T) {
	t.Run("accepts valid keys", func(t *testing.T) {
		rec := &ingestionRecorder{}
		client := newTestClient(t, rec)

		require.NoError(t, client.AuthCheck(context.Background()))
		assert.Equal(t, "pk-test", rec.user)
		assert.Equal(t, "sk-test", rec.pass)
	})

	t.Run("unauthorized maps to ErrAuthFailed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		client := NewClient(Config{
			Host:      srv.URL,
			PublicKey: "pk",
			Secret:    func() string { return "wrong" },
			Logger:    quietLogger(),
		})
		assert.ErrorIs(t, client.AuthCheck(context.Background()), ErrAuthFailed)
	})

	t.Run("missing credentials map to ErrDisabled", func(t *testing.T) {
		client := NewClient(Config{Logger: quietLogger()})
		assert.ErrorIs(t, client.AuthCheck(context.Background()), ErrDisabled)
	})
}

func TestFlush_ShipsQueuedEvents(t *testing.T) {
	rec := &ingestionRecorder{}
	client := newTestClient(t, rec)

	trace := client.StartTrace(TraceParams{
		Name:      "filter:qa",
		UserID:    "user@example.com",
		SessionID: "chat-1",
		Tags:      []string{"open-webui"},
	})
	gen := trace.StartGeneration(GenerationParams{
		Name:  "chat:chat-1",
		Model: "llama3",
		Usage: &datatypes.Usage{Input: 3, Output: 7, Unit: "TOKENS"},
	})
	gen.End()
	trace.End()

	assert.Equal(t, 4, client.Pending())
	require.NoError(t, client.Flush(context.Background()))
	assert.Equal(t, 0, client.Pending())
	assert.NoError(t, client.Degraded())

	events := rec.events()
	require.Len(t, events, 4)
	assert.Equal(t, EventTraceCreate, events[0].Type)
	assert.Equal(t, EventGenerationCreate, events[1].Type)
	assert.Equal(t, EventGenerationUpdate, events[2].Type)
	assert.Equal(t, EventTraceUpdate, events[3].Type)
	for _, e := range events {
		assert.NotEmpty(t, e.ID, "every event carries a dedup id")
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestFlush_RespectsBatchSize(t *testing.T) {
	rec := &ingestionRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	client := NewClient(Config{
		Host:           srv.URL,
		PublicKey:      "pk",
		Secret:         func() string { return "sk" },
		FlushBatchSize: 2,
		Logger:         quietLogger(),
	})
	for i := 0; i < 5; i++ {
		client.StartTrace(TraceParams{Name: "t"})
	}

	require.NoError(t, client.Flush(context.Background()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.batches, 3)
	assert.Len(t, rec.batches[0], 2)
	assert.Len(t, rec.batches[2], 1)
}

func TestFlush_FailureRequeuesAndDegrades(t *testing.T) {
	rec := &ingestionRecorder{status: http.StatusInternalServerError}
	client := newTestClient(t, rec)

	client.StartTrace(TraceParams{Name: "t"})
	err := client.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, client.Pending(), "failed batch stays queued")
	assert.Error(t, client.Degraded())

	// Backend recovers, the requeued batch ships, degradation clears.
	rec.mu.Lock()
	rec.status = http.StatusOK
	rec.mu.Unlock()
	require.NoError(t, client.Flush(context.Background()))
	assert.Equal(t, 0, client.Pending())
	assert.NoError(t, client.Degraded())
}

func TestFlush_MultiStatusIsNotAnError(t *testing.T) {
	rec := &ingestionRecorder{
		status: http.StatusMultiStatus,
		reply:  `{"successes":[{"id":"a","status":201}],"errors":[{"id":"b","status":400,"message":"bad body"}]}`,
	}
	client := newTestClient(t, rec)

	client.StartTrace(TraceParams{Name: "t"})
	assert.NoError(t, client.Flush(context.Background()))
	assert.Equal(t, 0, client.Pending())
}

func TestFlush_ReportsToObserver(t *testing.T) {
	rec := &ingestionRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	var mu sync.Mutex
	var counts []int
	var errs []error
	client := NewClient(Config{
		Host:      srv.URL,
		PublicKey: "pk",
		Secret:    func() string { return "sk" },
		Logger:    quietLogger(),
		OnFlush: func(count int, _ time.Duration, err error) {
			mu.Lock()
			counts = append(counts, count)
			errs = append(errs, err)
			mu.Unlock()
		},
	})

	client.StartTrace(TraceParams{Name: "t"})
	require.NoError(t, client.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0])
	assert.NoError(t, errs[0])
}

func TestShip_DisabledClient(t *testing.T) {
	client := NewClient(Config{Logger: quietLogger()})
	client.StartTrace(TraceParams{Name: "t"})
	assert.True(t, errors.Is(client.Flush(context.Background()), ErrDisabled))
}

func TestTraceBody_WireShape(t *testing.T) {
	rec := &ingestionRecorder{}
	client := newTestClient(t, rec)

	client.StartTrace(TraceParams{
		Name:      "filter:user_response",
		UserID:    "user@example.com",
		SessionID: "chat-9",
		Metadata:  map[string]any{"interface": "open-webui"},
		Tags:      []string{"open-webui", "user_response"},
	})
	require.NoError(t, client.Flush(context.Background()))

	events := rec.events()
	require.Len(t, events, 1)
	body, err := json.Marshal(events[0].Body)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "user@example.com", decoded["userId"])
	assert.Equal(t, "chat-9", decoded["sessionId"])
	assert.NotContains(t, decoded, "output", "empty fields stay off the wire")
}
