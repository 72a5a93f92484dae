// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for tracegate components.
//
// The package wraps Go's standard library slog with the pieces this
// service needs:
//
//   - stderr output by default (Unix CLI conventions)
//   - optional JSON formatting for machine consumption
//   - an Exporter extension point so log entries can be captured by
//     tests or forwarded to external sinks
//   - repeat suppression for debug messages that would otherwise be
//     emitted on every hook call
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{Level: logging.LevelDebug, Service: "filter"})
//	logger.Info("inlet received", "chat_id", chatID)
//
// # Thread Safety
//
// Logger is safe for concurrent use. Internal state is protected by a
// mutex, and the underlying slog.Logger is thread-safe.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for recoverable, unexpected situations.
	LevelWarn

	// LevelError is for operation failures the system survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges Level to the standard library's slog.Level.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior. The zero value logs Info and above
// to stderr in text format.
type Config struct {
	// Level sets the minimum log level. Messages below it are discarded.
	Level Level

	// Service identifies the component generating logs. When non-empty
	// it is attached to every entry as the "service" attribute.
	Service string

	// JSON switches the stderr output to JSON objects.
	JSON bool

	// Quiet disables stderr output entirely. Entries still reach the
	// Exporter when one is configured.
	Quiet bool

	// Exporter receives every emitted entry at or above Level.
	// Export failures are ignored; logging must never fail the caller.
	Exporter Exporter
}

// Exporter receives structured log entries for capture or forwarding.
//
// Implementations must be safe for concurrent use and must not block:
// Export is called inline on the logging path.
type Exporter interface {
	Export(entry Entry)
}

// Entry is one structured log record as seen by an Exporter.
type Entry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides structured logging with optional export and
// repeat suppression.
type Logger struct {
	slog     *slog.Logger
	config   Config
	exporter Exporter

	// seen tracks messages already emitted via Once. Shared between a
	// Logger and its With children so suppression is process-wide.
	seen *seenSet
}

// seenSet is a mutex-guarded string set.
type seenSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// add inserts msg and reports whether it was already present.
func (s *seenSet) add(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[msg]; ok {
		return true
	}
	s.m[msg] = struct{}{}
	return false
}

// New creates a Logger from config.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}

	var out io.Writer = os.Stderr
	if config.Quiet {
		out = io.Discard
	}

	var handler slog.Handler
	if config.JSON {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	return &Logger{
		slog:     slog.New(handler),
		config:   config,
		exporter: config.Exporter,
		seen:     &seenSet{m: make(map[string]struct{})},
	}
}

// Default returns a stderr text logger at Info level.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "tracegate"})
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args...) }

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) { l.log(LevelInfo, msg, args...) }

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.log(LevelWarn, msg, args...) }

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) { l.log(LevelError, msg, args...) }

// Once logs a debug message the first time it is seen and suppresses
// every later occurrence of the same message text. Hook code calls this
// for per-call diagnostics that would otherwise flood the log.
func (l *Logger) Once(msg string, args ...any) {
	if l.seen.add(msg) {
		return
	}
	l.log(LevelDebug, msg, args...)
}

// With returns a child Logger carrying additional attributes. The
// suppression set is shared with the parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		exporter: l.exporter,
		seen:     l.seen,
	}
}

// Slog exposes the underlying slog.Logger for direct use.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// log writes to slog and, when configured, the exporter.
func (l *Logger) log(level Level, msg string, args ...any) {
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		l.exporter.Export(Entry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		})
	}
}

// argsToMap converts slog-style key-value args to a map for Entry.Attrs.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any, len(args)/2)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all entries.
type NopExporter struct{}

// Export discards the entry.
func (NopExporter) Export(Entry) {}

var _ Exporter = NopExporter{}

// BufferedExporter collects entries in memory. Tests use it to assert
// on what a component logged:
//
//	exp := logging.NewBufferedExporter()
//	logger := logging.New(logging.Config{Level: logging.LevelDebug, Quiet: true, Exporter: exp})
type BufferedExporter struct {
	mu      sync.Mutex
	entries []Entry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]Entry, 0, 64)}
}

// Export appends the entry to the buffer.
func (e *BufferedExporter) Export(entry Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
}

// Entries returns a copy of all collected entries.
func (e *BufferedExporter) Entries() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]Entry, len(e.entries))
	copy(result, e.entries)
	return result
}

// Messages returns just the message strings, in order.
func (e *BufferedExporter) Messages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := make([]string, len(e.entries))
	for i, entry := range e.entries {
		msgs[i] = entry.Message
	}
	return msgs
}

// WriterExporter writes entries to an io.Writer, one line each.
type WriterExporter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterExporter creates a WriterExporter over w.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes the entry to the writer.
func (e *WriterExporter) Export(entry Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339), entry.Level, entry.Message, entry.Attrs)
}
