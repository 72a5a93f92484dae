// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package correlator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracegate/tracegate/pkg/logging"
	"github.com/tracegate/tracegate/services/filter/datatypes"
	"github.com/tracegate/tracegate/services/filter/langfuse"
)

// =============================================================================
// Test Backend
// =============================================================================

// backend records every ingestion event the client ships.
type backend struct {
	mu     sync.Mutex
	events []recordedEvent
	fail   bool
}

type recordedEvent struct {
	Type string
	Body map[string]any
}

func (b *backend) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/api/public/projects":
		w.WriteHeader(http.StatusOK)
	case "/api/public/ingestion":
		b.mu.Lock()
		fail := b.fail
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var payload struct {
			Batch []struct {
				Type string         `json:"type"`
				Body map[string]any `json:"body"`
			} `json:"batch"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		for _, e := range payload.Batch {
			b.events = append(b.events, recordedEvent{Type: e.Type, Body: e.Body})
		}
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *backend) ofType(eventType string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (b *backend) setFail(fail bool) {
	b.mu.Lock()
	b.fail = fail
	b.mu.Unlock()
}

// =============================================================================
// Fixtures
// =============================================================================

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

func newTestCorrelator(t *testing.T, cfg Config) (*Correlator, *backend, *langfuse.Client) {
	t.Helper()
	be := &backend{}
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	client := langfuse.NewClient(langfuse.Config{
		Host:      srv.URL,
		PublicKey: "pk-test",
		Secret:    func() string { return "sk-test" },
		Logger:    quietLogger(),
	})
	cfg.Client = client
	cfg.Enabled = true
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return New(cfg), be, client
}

func flush(t *testing.T, client *langfuse.Client) {
	t.Helper()
	require.NoError(t, client.Flush(context.Background()))
}

func inletBody(chatID string) datatypes.Body {
	body := datatypes.Body{
		"model": "llama3",
		"messages": []any{
			map[string]any{"role": "user", "content": "what is a goroutine?"},
		},
	}
	if chatID != "" {
		body["metadata"] = map[string]any{"chat_id": chatID, "session_id": "s-1"}
	}
	return body
}

func outletBody(chatID string) datatypes.Body {
	return datatypes.Body{
		"model": "llama3",
		"messages": []any{
			map[string]any{"role": "user", "content": "what is a goroutine?"},
			map[string]any{
				"role":    "assistant",
				"content": "a lightweight thread",
				"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 34},
			},
		},
		"metadata": map[string]any{"chat_id": chatID, "session_id": "s-1"},
	}
}

// =============================================================================
// Turn Lifecycle
// =============================================================================

func TestFullTurn(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{InsertTags: true})

	res := c.Inlet(inletBody("c-1"), "user@example.com")
	assert.Equal(t, OutcomeTraced, res.Outcome)
	assert.Equal(t, "c-1", res.ChatID)
	assert.Equal(t, 1, c.Buffered())

	res = c.Outlet(outletBody("c-1"), "user@example.com")
	assert.Equal(t, OutcomeTraced, res.Outcome)
	assert.Equal(t, 0, c.Open(), "trace always ends within the outlet")
	assert.Equal(t, 0, c.Buffered())

	flush(t, client)

	creates := be.ofType("trace-create")
	require.Len(t, creates, 1)
	create := creates[0].Body
	assert.Equal(t, "chat:c-1", create["name"])
	assert.Equal(t, "user@example.com", create["userId"])
	assert.Equal(t, "c-1", create["sessionId"])
	assert.Contains(t, create["tags"], "open-webui")

	meta, ok := create["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "open-webui", meta["interface"])
	assert.Equal(t, "user@example.com", meta["user_id"])
	assert.Equal(t, "c-1", meta["session_id"])

	spans := be.ofType("span-create")
	require.Len(t, spans, 1)

	gens := be.ofType("generation-create")
	require.Len(t, gens, 1)
	gen := gens[0].Body
	assert.Equal(t, "llama3", gen["model"])
	assert.Equal(t, "a lightweight thread", gen["output"])
	usage, ok := gen["usage"].(map[string]any)
	require.True(t, ok, "both counts present means usage is attached")
	assert.Equal(t, float64(12), usage["input"])
	assert.Equal(t, float64(34), usage["output"])
	assert.Equal(t, "TOKENS", usage["unit"])

	// Output update plus the closing update.
	assert.Len(t, be.ofType("trace-update"), 2)
}

func TestOutletWithoutInlet(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{})

	res := c.Outlet(outletBody("orphan"), "")
	assert.Equal(t, OutcomeTraced, res.Outcome)
	flush(t, client)

	creates := be.ofType("trace-create")
	require.Len(t, creates, 1)
	assert.Equal(t, AnonymousUser, creates[0].Body["userId"])

	input, ok := creates[0].Body["input"].([]any)
	require.True(t, ok, "outlet's own messages seed the trace")
	assert.Len(t, input, 2)
}

func TestFirstMessageWins(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{})

	first := inletBody("c-2")
	c.Inlet(first, "")
	second := inletBody("c-2")
	second["messages"] = []any{map[string]any{"role": "user", "content": "changed"}}
	c.Inlet(second, "")
	assert.Equal(t, 1, c.Buffered(), "second inlet does not re-buffer")

	c.Outlet(outletBody("c-2"), "")
	flush(t, client)

	creates := be.ofType("trace-create")
	require.Len(t, creates, 1)
	input := creates[0].Body["input"].([]any)
	require.Len(t, input, 1)
	msg := input[0].(map[string]any)
	assert.Equal(t, "what is a goroutine?", msg["content"])
}

func TestUserInputSpanOncePerConversation(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{})

	for i := 0; i < 3; i++ {
		c.Inlet(inletBody("c-3"), "")
		c.Outlet(outletBody("c-3"), "")
	}
	flush(t, client)

	assert.Len(t, be.ofType("span-create"), 1)
	assert.Len(t, be.ofType("trace-create"), 3, "one trace per turn")
}

func TestAnonymousThenAuthenticatedSplitsTraces(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{})

	c.Inlet(inletBody("c-4"), "")
	c.Outlet(outletBody("c-4"), "")
	c.Inlet(inletBody("c-4"), "alice@example.com")
	c.Outlet(outletBody("c-4"), "alice@example.com")
	flush(t, client)

	creates := be.ofType("trace-create")
	require.Len(t, creates, 2)
	assert.NotEqual(t, creates[0].Body["id"], creates[1].Body["id"])
	assert.Equal(t, AnonymousUser, creates[0].Body["userId"])
	assert.Equal(t, "alice@example.com", creates[1].Body["userId"])
}

// =============================================================================
// Conversation Id Resolution
// =============================================================================

func TestLocalChatIDResolvesConsistently(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{})

	in := inletBody("local")
	res := c.Inlet(in, "")
	assert.Equal(t, "temporary-session-s-1", res.ChatID)
	assert.Equal(t, "temporary-session-s-1", in.Metadata()["chat_id"])

	// The outlet body carries the sentinel at top level.
	out := outletBody("ignored")
	delete(out, "metadata")
	out["chat_id"] = "local"
	out["session_id"] = "s-1"
	res = c.Outlet(out, "")
	assert.Equal(t, "temporary-session-s-1", res.ChatID)

	flush(t, client)
	creates := be.ofType("trace-create")
	require.Len(t, creates, 1)
	input := creates[0].Body["input"].([]any)
	assert.Len(t, input, 1, "inlet buffer matched by resolved id")
}

func TestInletSynthesizesChatID(t *testing.T) {
	c, _, _ := newTestCorrelator(t, Config{})

	body := inletBody("")
	res := c.Inlet(body, "")
	require.NotEmpty(t, res.ChatID)
	assert.Equal(t, res.ChatID, body.Metadata()["chat_id"],
		"synthesized id is written back for the outlet to reuse")

	out := outletBody(res.ChatID)
	assert.Equal(t, res.ChatID, c.Outlet(out, "").ChatID)
}

// =============================================================================
// Degraded Modes
// =============================================================================

func TestDisabledPassesThrough(t *testing.T) {
	c := New(Config{Enabled: false, Logger: quietLogger()})

	body := inletBody("c-5")
	res := c.Inlet(body, "")
	assert.Equal(t, OutcomeDisabled, res.Outcome)
	assert.Equal(t, "c-5", body.Metadata()["chat_id"], "body untouched")
	assert.Equal(t, 0, c.Buffered())

	res = c.Outlet(outletBody("c-5"), "")
	assert.Equal(t, OutcomeDisabled, res.Outcome)
}

func TestMalformedBodies(t *testing.T) {
	c, _, _ := newTestCorrelator(t, Config{})

	t.Run("inlet without messages", func(t *testing.T) {
		res := c.Inlet(datatypes.Body{"model": "llama3"}, "")
		assert.Equal(t, OutcomeMalformed, res.Outcome)
		assert.Equal(t, 0, c.Buffered())
	})

	t.Run("outlet without conversation id", func(t *testing.T) {
		res := c.Outlet(datatypes.Body{"model": "m", "messages": []any{}}, "")
		assert.Equal(t, OutcomeMalformed, res.Outcome)
	})

	t.Run("outlet without assistant reply", func(t *testing.T) {
		body := inletBody("c-6")
		res := c.Outlet(body, "")
		assert.Equal(t, OutcomeMalformed, res.Outcome)
		assert.Equal(t, 0, c.Open())
	})
}

func TestBackendErrorOutcome(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{})

	be.setFail(true)
	c.Outlet(outletBody("c-7"), "")
	assert.Error(t, client.Flush(context.Background()))

	res := c.Outlet(outletBody("c-7"), "")
	assert.Equal(t, OutcomeBackendError, res.Outcome,
		"turn is still processed, events stay queued")
	assert.Equal(t, 0, c.Open())

	be.setFail(false)
	flush(t, client)
	assert.Len(t, be.ofType("trace-create"), 2)
}

func TestUsageOmittedWhenPartial(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{})

	body := outletBody("c-8")
	msgs := body["messages"].([]any)
	msgs[1].(map[string]any)["usage"] = map[string]any{"prompt_tokens": 5}
	c.Outlet(body, "")
	flush(t, client)

	gens := be.ofType("generation-create")
	require.Len(t, gens, 1)
	assert.NotContains(t, gens[0].Body, "usage")
}

// =============================================================================
// Tags and Model Identity
// =============================================================================

func TestTagRules(t *testing.T) {
	t.Run("custom task is tagged", func(t *testing.T) {
		c, be, client := newTestCorrelator(t, Config{InsertTags: true})
		body := outletBody("c-9")
		body.Metadata()["task"] = "title_generation"
		c.Outlet(body, "")
		flush(t, client)

		creates := be.ofType("trace-create")
		require.Len(t, creates, 1)
		assert.ElementsMatch(t, []any{"open-webui", "title_generation"}, creates[0].Body["tags"])
	})

	t.Run("default task names are not tagged", func(t *testing.T) {
		c, be, client := newTestCorrelator(t, Config{InsertTags: true})
		c.Outlet(outletBody("c-10"), "")
		flush(t, client)

		creates := be.ofType("trace-create")
		require.Len(t, creates, 1)
		assert.ElementsMatch(t, []any{"open-webui"}, creates[0].Body["tags"])
	})

	t.Run("tag insertion off", func(t *testing.T) {
		c, be, client := newTestCorrelator(t, Config{InsertTags: false})
		c.Outlet(outletBody("c-11"), "")
		flush(t, client)

		creates := be.ofType("trace-create")
		require.Len(t, creates, 1)
		assert.NotContains(t, creates[0].Body, "tags")
	})
}

func TestUseModelName(t *testing.T) {
	c, be, client := newTestCorrelator(t, Config{UseModelName: true})

	in := inletBody("c-12")
	in["metadata"].(map[string]any)["model"] = map[string]any{"name": "Llama 3 8B"}
	c.Inlet(in, "")
	c.Outlet(outletBody("c-12"), "")
	flush(t, client)

	gens := be.ofType("generation-create")
	require.Len(t, gens, 1)
	assert.Equal(t, "Llama 3 8B", gens[0].Body["model"])

	meta := gens[0].Body["metadata"].(map[string]any)
	assert.Equal(t, "llama3", meta["model_id"])
	assert.Equal(t, "Llama 3 8B", meta["model_name"])
}

// =============================================================================
// Maintenance
// =============================================================================

func TestReapEvictsIdleConversations(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c, _, _ := newTestCorrelator(t, Config{Now: clock})

	c.Inlet(inletBody("stale"), "")
	require.Equal(t, 1, c.Buffered())

	now = now.Add(time.Hour)
	assert.Equal(t, 1, c.Reap(30*time.Minute))
	assert.Equal(t, 0, c.Buffered())

	// A fresh turn is untouched.
	c.Inlet(inletBody("fresh"), "")
	assert.Equal(t, 0, c.Reap(30*time.Minute))
	assert.Equal(t, 1, c.Buffered())
}

func TestShutdownClearsState(t *testing.T) {
	c, _, _ := newTestCorrelator(t, Config{})

	c.Inlet(inletBody("c-13"), "")
	require.Equal(t, 1, c.Buffered())

	c.Shutdown()
	assert.Equal(t, 0, c.Buffered())
	assert.Equal(t, 0, c.Open())
}
