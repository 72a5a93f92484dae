// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package langfuse

import (
	"time"

	"github.com/tracegate/tracegate/services/filter/datatypes"
)

// =============================================================================
// Ingestion Wire Types
// =============================================================================

// EventType identifies an ingestion batch event.
type EventType string

const (
	EventTraceCreate      EventType = "trace-create"
	EventTraceUpdate      EventType = "trace-update"
	EventSpanCreate       EventType = "span-create"
	EventSpanUpdate       EventType = "span-update"
	EventGenerationCreate EventType = "generation-create"
	EventGenerationUpdate EventType = "generation-update"
)

// Event is one element of an ingestion batch. ID deduplicates retried
// deliveries server-side; Timestamp is the event's occurrence time.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Body      any       `json:"body"`
}

// ingestionRequest is the POST /api/public/ingestion payload.
type ingestionRequest struct {
	Batch []Event `json:"batch"`
}

// ingestionResponse is the (possibly 207 multi-status) reply.
type ingestionResponse struct {
	Successes []ingestionResult `json:"successes"`
	Errors    []ingestionError  `json:"errors"`
}

type ingestionResult struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

type ingestionError struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
}

// =============================================================================
// Event Bodies
// =============================================================================

// TraceBody is the payload of trace-create and trace-update events.
type TraceBody struct {
	ID        string         `json:"id"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Name      string         `json:"name,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Input     any            `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
}

// ObservationBody is the payload of span and generation events.
// Model and Usage are only meaningful for generations.
type ObservationBody struct {
	ID        string           `json:"id"`
	TraceID   string           `json:"traceId,omitempty"`
	Name      string           `json:"name,omitempty"`
	StartTime *time.Time       `json:"startTime,omitempty"`
	EndTime   *time.Time       `json:"endTime,omitempty"`
	Input     any              `json:"input,omitempty"`
	Output    any              `json:"output,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Model     string           `json:"model,omitempty"`
	Usage     *datatypes.Usage `json:"usage,omitempty"`
}
