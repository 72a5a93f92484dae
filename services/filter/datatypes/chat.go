// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the filter service.
//
// The central type is Body: the chat-turn payload the host sends to the
// inlet and outlet hooks. The host contract requires that hooks return
// a body of the same shape they received, so Body is a thin view over
// the decoded JSON object rather than a rigid struct: unknown fields
// survive the round trip untouched. Typed accessors cover the fields
// the correlator actually reads.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// LocalChatID is the sentinel the host sends for temporary chats
	// that have no persisted conversation yet.
	LocalChatID = "local"

	// TemporarySessionPrefix prefixes the synthesized chat id for
	// LocalChatID conversations: "temporary-session-{session_id}".
	TemporarySessionPrefix = "temporary-session-"

	// RoleUser, RoleAssistant, RoleSystem are the message roles the
	// correlator distinguishes.
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"

	// TaskUserResponse and TaskLLMResponse are the two default task
	// names. They are never added as tags.
	TaskUserResponse = "user_response"
	TaskLLMResponse  = "llm_response"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// filterValidate is the validator instance for filter datatypes.
var filterValidate *validator.Validate

func init() {
	filterValidate = validator.New()
}

// =============================================================================
// Hook Envelope
// =============================================================================

// FilterRequest is the JSON envelope the host posts to the inlet and
// outlet endpoints.
//
// # Fields
//
//   - Body: Required. The chat-turn payload. Returned to the host as-is
//     except for chat-id normalization.
//   - User: Optional. The acting user as the host knows it. May carry
//     "email", "id", "name", "role".
type FilterRequest struct {
	Body Body           `json:"body" validate:"required"`
	User map[string]any `json:"user,omitempty"`
}

// Validate checks the envelope after JSON binding.
func (r *FilterRequest) Validate() error {
	return filterValidate.Struct(r)
}

// UserEmail extracts the acting user's email, or "" if absent.
func (r *FilterRequest) UserEmail() string {
	return stringField(r.User, "email")
}

// =============================================================================
// Body
// =============================================================================

// Body is one chat-turn payload. It is a plain JSON object view so the
// hooks can hand back exactly what they received.
type Body map[string]any

// Metadata returns the metadata object, or nil when absent.
func (b Body) Metadata() map[string]any {
	meta, _ := b["metadata"].(map[string]any)
	return meta
}

// EnsureMetadata returns the metadata object, creating it when absent.
func (b Body) EnsureMetadata() map[string]any {
	if meta := b.Metadata(); meta != nil {
		return meta
	}
	meta := make(map[string]any)
	b["metadata"] = meta
	return meta
}

// Model returns the model identifier the host put on the body.
func (b Body) Model() string {
	return stringField(b, "model")
}

// ModelName returns the display name from metadata.model.name, or "".
func (b Body) ModelName() string {
	meta := b.Metadata()
	if meta == nil {
		return ""
	}
	model, _ := meta["model"].(map[string]any)
	return stringField(model, "name")
}

// Task returns metadata.task, or fallback when unset.
func (b Body) Task(fallback string) string {
	if meta := b.Metadata(); meta != nil {
		if task := stringField(meta, "task"); task != "" {
			return task
		}
	}
	return fallback
}

// RawMessages returns the messages array as decoded JSON, or nil.
func (b Body) RawMessages() []any {
	msgs, _ := b["messages"].([]any)
	return msgs
}

// Messages parses the messages array into typed Message values.
// Malformed elements are skipped.
func (b Body) Messages() []Message {
	raw := b.RawMessages()
	msgs := make([]Message, 0, len(raw))
	for _, el := range raw {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		msgs = append(msgs, Message{
			Role:    stringField(obj, "role"),
			Content: ContentText(obj["content"]),
			Usage:   mapField(obj, "usage"),
		})
	}
	return msgs
}

// HasRequiredKeys reports whether the body carries the keys tracing
// needs ("model" and "messages"). A body without them is passed
// through without any trace attempt.
func (b Body) HasRequiredKeys() bool {
	_, hasModel := b["model"]
	_, hasMessages := b["messages"]
	return hasModel && hasMessages
}

// ResolveChatID resolves the conversation identifier for this body.
//
// # Description
//
// The id is read from metadata.chat_id, falling back to the top-level
// chat_id (the outlet body carries it there). The sentinel "local" is
// replaced with "temporary-session-{session_id}", where session_id is
// likewise read from metadata first, then top level. The same rule
// applies on inlet and outlet so the two hooks agree on the key.
//
// # Outputs
//
//   - string: The resolved id, possibly "".
//   - bool: False when no identifier of any kind was present.
func (b Body) ResolveChatID() (string, bool) {
	chatID := ""
	if meta := b.Metadata(); meta != nil {
		chatID = stringField(meta, "chat_id")
	}
	if chatID == "" {
		chatID = stringField(b, "chat_id")
	}
	if chatID == "" {
		return "", false
	}
	if chatID == LocalChatID {
		sessionID := ""
		if meta := b.Metadata(); meta != nil {
			sessionID = stringField(meta, "session_id")
		}
		if sessionID == "" {
			sessionID = stringField(b, "session_id")
		}
		chatID = TemporarySessionPrefix + sessionID
	}
	return chatID, true
}

// SetChatID writes the normalized chat id back to metadata.chat_id.
func (b Body) SetChatID(chatID string) {
	b.EnsureMetadata()["chat_id"] = chatID
}

// =============================================================================
// Messages
// =============================================================================

// Message is one chat message in typed form.
type Message struct {
	Role    string
	Content string
	Usage   map[string]any
}

// LastAssistantMessage returns the last message with the assistant
// role, scanning from the end.
func LastAssistantMessage(msgs []Message) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant {
			return msgs[i], true
		}
	}
	return Message{}, false
}

// ContentText flattens a message content value to plain text. The host
// sends either a string or a list of typed parts; only text parts
// contribute.
func ContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, part := range v {
			obj, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if stringField(obj, "type") == "text" {
				sb.WriteString(stringField(obj, "text"))
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// =============================================================================
// Token Usage
// =============================================================================

// Usage is the token-usage record attached to a generation.
type Usage struct {
	Input  int    `json:"input"`
	Output int    `json:"output"`
	Unit   string `json:"unit"`
}

// ExtractUsage derives a Usage from an assistant message's usage
// fields.
//
// # Description
//
// Providers disagree on field names: Ollama reports
// prompt_eval_count/eval_count, OpenAI-compatible backends report
// prompt_tokens/completion_tokens. Both spellings are accepted. The
// record exists only when both counts resolve; a partial usage object
// yields nothing.
func ExtractUsage(msg Message) (*Usage, bool) {
	if msg.Usage == nil {
		return nil, false
	}
	input, okIn := intField(msg.Usage, "prompt_eval_count", "prompt_tokens")
	output, okOut := intField(msg.Usage, "eval_count", "completion_tokens")
	if !okIn || !okOut {
		return nil, false
	}
	return &Usage{Input: input, Output: output, Unit: "TOKENS"}, true
}

// =============================================================================
// Helpers
// =============================================================================

// stringField reads a string value from a decoded JSON object.
func stringField(obj map[string]any, key string) string {
	if obj == nil {
		return ""
	}
	s, _ := obj[key].(string)
	return s
}

// mapField reads a nested object from a decoded JSON object.
func mapField(obj map[string]any, key string) map[string]any {
	if obj == nil {
		return nil
	}
	m, _ := obj[key].(map[string]any)
	return m
}

// intField reads the first present numeric value among keys.
// encoding/json decodes numbers as float64; ints appear when callers
// build bodies in Go directly, so both are handled.
func intField(obj map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		case int64:
			return int(v), true
		}
	}
	return 0, false
}
