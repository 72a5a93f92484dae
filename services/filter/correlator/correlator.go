// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package correlator correlates chat turns into traces.
//
// The correlator sits between the host's two lifecycle hooks. The inlet
// sees the user's input before the model runs; the outlet sees the full
// conversation with the assistant's reply attached. Both hooks key
// their state by the resolved conversation id and are strictly
// best-effort: whatever happens inside, the caller gets its body back.
//
// # Lifecycle
//
// Each turn's trace is one create, append, close cycle performed
// entirely within the outlet call. The inlet only buffers the turn's
// input so the trace can open with the user's message even when the
// outlet body has been rewritten by other filters. Turns of one
// conversation share a session id on the backend, which is what groups
// them in the UI.
package correlator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracegate/tracegate/pkg/logging"
	"github.com/tracegate/tracegate/services/filter/datatypes"
	"github.com/tracegate/tracegate/services/filter/langfuse"
)

const (
	// MarkerTag is attached to every trace when tag insertion is on.
	MarkerTag = "open-webui"

	// AnonymousUser attributes traces with no resolvable user.
	AnonymousUser = "anonymous"

	// InterfaceName labels trace metadata with the originating UI.
	InterfaceName = "open-webui"
)

// =============================================================================
// State
// =============================================================================

// pendingTurn buffers an inlet's view of a turn until the matching
// outlet arrives. First message wins: later inlets for the same
// conversation do not overwrite it.
type pendingTurn struct {
	messages []any
	metadata map[string]any
	user     string
	model    string
}

// modelIdentity accumulates the model id and display name observed for
// a conversation.
type modelIdentity struct {
	id   string
	name string
}

// openTrace is a trace handle plus the attribution it was created with.
type openTrace struct {
	trace     *langfuse.Trace
	user      string
	anonymous bool
}

// =============================================================================
// Correlator
// =============================================================================

// Config configures a Correlator.
type Config struct {
	// Client ships events to the backend. Nil disables tracing.
	Client *langfuse.Client

	// Enabled gates all tracing. Set false when the auth check failed.
	Enabled bool

	// InsertTags controls the marker and task tags.
	InsertTags bool

	// UseModelName emits the model display name instead of the model id
	// on generation records.
	UseModelName bool

	// Logger receives diagnostics. Nil means the default logger.
	Logger *logging.Logger

	// Now overrides the clock. Nil means time.Now. Tests use this to
	// age conversations for eviction.
	Now func() time.Time
}

// Correlator owns the per-conversation state. All methods are safe for
// concurrent use; the host may dispatch hooks for different
// conversations in parallel.
type Correlator struct {
	logger *logging.Logger
	now    func() time.Time

	mu           sync.Mutex
	client       *langfuse.Client
	enabled      bool
	insertTags   bool
	useModelName bool
	pending      map[string]*pendingTurn
	handles      map[string]*openTrace
	models       map[string]modelIdentity
	loggedInput  map[string]struct{}
	lastSeen     map[string]time.Time
}

// New creates a Correlator.
func New(cfg Config) *Correlator {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Correlator{
		logger:       cfg.Logger,
		now:          cfg.Now,
		client:       cfg.Client,
		enabled:      cfg.Enabled,
		insertTags:   cfg.InsertTags,
		useModelName: cfg.UseModelName,
		pending:      make(map[string]*pendingTurn),
		handles:      make(map[string]*openTrace),
		models:       make(map[string]modelIdentity),
		loggedInput:  make(map[string]struct{}),
		lastSeen:     make(map[string]time.Time),
	}
}

// Reconfigure swaps the client and the tracing valves, keeping the
// conversation state. Called after a valve update.
func (c *Correlator) Reconfigure(client *langfuse.Client, enabled, insertTags, useModelName bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
	c.enabled = enabled
	c.insertTags = insertTags
	c.useModelName = useModelName
}

// tracing reports whether backend calls should be attempted. Callers
// hold c.mu.
func (c *Correlator) tracing() bool {
	return c.enabled && c.client != nil
}

// =============================================================================
// Inlet
// =============================================================================

// Inlet processes an inbound turn: the user's input before the model
// runs.
//
// # Description
//
// The conversation id is resolved (synthesizing a fresh one when the
// body carries none) and written back to metadata.chat_id, which is
// the only mutation the host observes. The model identity is recorded
// and, unless a turn is already buffered or a trace is open for this
// conversation, the input is snapshotted into a pending turn for the
// outlet to consume. No backend call happens here.
func (c *Correlator) Inlet(body datatypes.Body, user string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracing() {
		c.logger.Once("tracing disabled, passing turns through")
		return Result{Outcome: OutcomeDisabled}
	}

	chatID, ok := body.ResolveChatID()
	if !ok {
		chatID = uuid.NewString()
		c.logger.Debug("no conversation id on inlet, synthesized one", "chat_id", chatID)
	}
	body.SetChatID(chatID)
	c.lastSeen[chatID] = c.now()
	c.recordModel(chatID, body)

	if !body.HasRequiredKeys() {
		c.logger.Once("body missing model or messages, skipping trace", "chat_id", chatID)
		return Result{Outcome: OutcomeMalformed, ChatID: chatID}
	}

	_, buffered := c.pending[chatID]
	_, open := c.handles[chatID]
	if !buffered && !open {
		c.pending[chatID] = &pendingTurn{
			messages: append([]any(nil), body.RawMessages()...),
			metadata: copyMap(body.Metadata()),
			user:     user,
			model:    body.Model(),
		}
		c.logger.Debug("buffered turn input", "chat_id", chatID)
	}
	return Result{Outcome: OutcomeTraced, ChatID: chatID}
}

// =============================================================================
// Outlet
// =============================================================================

// Outlet processes an outbound turn: the conversation with the
// assistant's reply as the last message.
//
// # Description
//
// Resolves the conversation id, opens a trace seeded with the buffered
// inlet input (or the outlet's own messages when no inlet was seen),
// emits the once-per-conversation user-input span, attaches the reply
// and token usage as a generation, then ends and discards the trace.
//
// A trace's user attribution is fixed at creation. When a handle that
// was opened anonymously meets an authenticated turn, the old trace is
// ended and a fresh one is created for the authenticated user, so the
// conversation splits rather than being silently reattributed.
func (c *Correlator) Outlet(body datatypes.Body, user string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tracing() {
		c.logger.Once("tracing disabled, passing turns through")
		return Result{Outcome: OutcomeDisabled}
	}

	chatID, ok := body.ResolveChatID()
	if !ok {
		c.logger.Warn("no conversation id on outlet, passing through")
		return Result{Outcome: OutcomeMalformed}
	}
	body.SetChatID(chatID)
	c.lastSeen[chatID] = c.now()
	c.recordModel(chatID, body)

	msgs := body.Messages()
	assistant, hasReply := datatypes.LastAssistantMessage(msgs)
	if !hasReply {
		c.logger.Warn("no assistant reply on outlet", "chat_id", chatID)
		return Result{Outcome: OutcomeMalformed, ChatID: chatID}
	}

	if h, open := c.handles[chatID]; open && h.anonymous && user != "" && user != AnonymousUser {
		c.logger.Debug("user authenticated mid-conversation, splitting trace",
			"chat_id", chatID, "user", user)
		h.trace.End()
		delete(c.handles, chatID)
	}

	metadata := body.Metadata()
	task := body.Task(datatypes.TaskLLMResponse)
	tags := c.buildTags(task)

	pend := c.pending[chatID]
	input := body.RawMessages()
	effUser := user
	if pend != nil {
		if len(pend.messages) > 0 {
			input = pend.messages
		}
		if effUser == "" {
			effUser = pend.user
		}
	}
	if effUser == "" {
		effUser = AnonymousUser
	}
	traceMeta := c.traceMetadata(metadata, effUser, chatID, task)

	h, open := c.handles[chatID]
	if !open {
		trace := c.client.StartTrace(langfuse.TraceParams{
			Name:      "chat:" + chatID,
			UserID:    effUser,
			SessionID: chatID,
			Input:     input,
			Metadata:  traceMeta,
			Tags:      tags,
		})
		h = &openTrace{trace: trace, user: effUser, anonymous: effUser == AnonymousUser}
		c.handles[chatID] = h
		delete(c.pending, chatID)
		c.logger.Debug("trace created", "chat_id", chatID, "trace_id", trace.ID, "user", effUser)
	}

	if _, logged := c.loggedInput[chatID]; !logged {
		spanMeta := copyMap(traceMeta)
		spanMeta["type"] = "user_input"
		span := h.trace.StartSpan(langfuse.SpanParams{
			Name:     "user_input:" + uuid.NewString(),
			Input:    input,
			Metadata: spanMeta,
		})
		span.End()
		c.loggedInput[chatID] = struct{}{}
	}

	usage, _ := datatypes.ExtractUsage(assistant)
	if usage == nil {
		c.logger.Debug("no token usage on assistant message", "chat_id", chatID)
	}

	h.trace.Update(langfuse.TraceParams{
		Output:   assistant.Content,
		Metadata: traceMeta,
		Tags:     tags,
	})

	ident := c.models[chatID]
	modelID := ident.id
	if modelID == "" {
		modelID = body.Model()
	}
	modelName := ident.name
	if modelName == "" {
		modelName = "unknown"
	}
	modelValue := modelID
	if c.useModelName {
		modelValue = modelName
	}

	genMeta := copyMap(traceMeta)
	genMeta["type"] = "llm_response"
	genMeta["generation_id"] = uuid.NewString()
	genMeta["model_id"] = modelID
	genMeta["model_name"] = modelName
	gen := h.trace.StartGeneration(langfuse.GenerationParams{
		Name:     "llm_response:" + uuid.NewString(),
		Model:    modelValue,
		Input:    body.RawMessages(),
		Output:   assistant.Content,
		Metadata: genMeta,
		Usage:    usage,
	})
	gen.End()

	h.trace.End()
	delete(c.handles, chatID)
	delete(c.pending, chatID)
	c.logger.Debug("trace ended", "chat_id", chatID, "trace_id", h.trace.ID)

	if err := c.client.Degraded(); err != nil {
		c.logger.Warn("backend degraded, events queued for retry",
			"chat_id", chatID, "error", err)
		return Result{Outcome: OutcomeBackendError, ChatID: chatID}
	}
	return Result{Outcome: OutcomeTraced, ChatID: chatID}
}

// =============================================================================
// Maintenance
// =============================================================================

// Shutdown ends every open trace and clears all conversation state.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chatID, h := range c.handles {
		h.trace.End()
		c.logger.Debug("ended trace on shutdown", "chat_id", chatID)
	}
	c.handles = make(map[string]*openTrace)
	c.pending = make(map[string]*pendingTurn)
	c.models = make(map[string]modelIdentity)
	c.loggedInput = make(map[string]struct{})
	c.lastSeen = make(map[string]time.Time)
}

// Reap evicts conversations idle longer than maxIdle, ending any trace
// still open for them, and returns the number evicted. Abandoned
// conversations otherwise hold their buffered input forever.
func (c *Correlator) Reap(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-maxIdle)
	evicted := 0
	for chatID, seen := range c.lastSeen {
		if seen.After(cutoff) {
			continue
		}
		if h, open := c.handles[chatID]; open {
			h.trace.End()
		}
		delete(c.handles, chatID)
		delete(c.pending, chatID)
		delete(c.models, chatID)
		delete(c.loggedInput, chatID)
		delete(c.lastSeen, chatID)
		evicted++
	}
	if evicted > 0 {
		c.logger.Debug("evicted idle conversations", "count", evicted)
	}
	return evicted
}

// Open returns the number of open trace handles.
func (c *Correlator) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Buffered returns the number of pending turns.
func (c *Correlator) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// =============================================================================
// Helpers
// =============================================================================

// recordModel updates the model identity for a conversation. The id
// overwrites, the display name merges in when present. Callers hold
// c.mu.
func (c *Correlator) recordModel(chatID string, body datatypes.Body) {
	ident := c.models[chatID]
	if id := body.Model(); id != "" {
		ident.id = id
	}
	if name := body.ModelName(); name != "" {
		ident.name = name
	}
	c.models[chatID] = ident
}

// buildTags returns the tag list for a task: the marker tag, plus the
// task name unless it is one of the two default task names. Callers
// hold c.mu.
func (c *Correlator) buildTags(task string) []string {
	if !c.insertTags {
		return nil
	}
	tags := []string{MarkerTag}
	if task != datatypes.TaskUserResponse && task != datatypes.TaskLLMResponse {
		tags = append(tags, task)
	}
	return tags
}

// traceMetadata builds the metadata union for trace records: the
// body's metadata plus attribution fields.
func (c *Correlator) traceMetadata(meta map[string]any, user, chatID, task string) map[string]any {
	out := make(map[string]any, len(meta)+4)
	for k, v := range meta {
		out[k] = v
	}
	out["user_id"] = user
	out["session_id"] = chatID
	out["interface"] = InterfaceName
	out["task"] = task
	return out
}

// copyMap shallow-copies a metadata map. Returns an empty map for nil
// so callers can add keys without re-checking.
func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
