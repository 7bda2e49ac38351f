// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events carries lifecycle, circuit and cache events out of the
// bridge: to the log, to NATS subscribers, and to websocket clients.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	TypeServerStarting    Type = "server_starting"
	TypeServerRunning     Type = "server_running"
	TypeServerCrashed     Type = "server_crashed"
	TypeRestartScheduled  Type = "restart_scheduled"
	TypeRestartsExhausted Type = "restarts_exhausted"
	TypeServerStopped     Type = "server_stopped"
	TypeCircuitTransition Type = "circuit_transition"
	TypeCacheMiss         Type = "cache_miss"
	TypeCacheError        Type = "cache_error"
)

// Event is one structured occurrence.
type Event struct {
	Type     Type              `json:"type"`
	Time     time.Time         `json:"time"`
	Language string            `json:"language,omitempty"`
	Attempt  int               `json:"attempt,omitempty"`
	State    string            `json:"state,omitempty"`
	Latency  time.Duration     `json:"latency_ns,omitempty"`
	Error    string            `json:"error,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Sink = SinkFunc(func(Event) {})

// stamp fills in Time when the producer left it empty.
func stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return e
}

// =============================================================================
// Log sink
// =============================================================================

// LogSink writes events through slog. Crashes and exhaustion log at Warn,
// cache misses at Debug, everything else at Info.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(e Event) {
	attrs := []any{slog.String("event", string(e.Type))}
	if e.Language != "" {
		attrs = append(attrs, slog.String("language", e.Language))
	}
	if e.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", e.Attempt))
	}
	if e.State != "" {
		attrs = append(attrs, slog.String("state", e.State))
	}
	if e.Latency > 0 {
		attrs = append(attrs, slog.Duration("latency", e.Latency))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	for k, v := range e.Fields {
		attrs = append(attrs, slog.String(k, v))
	}

	switch e.Type {
	case TypeServerCrashed, TypeRestartsExhausted, TypeCacheError:
		s.logger.Warn("lsp event", attrs...)
	case TypeCacheMiss:
		s.logger.Debug("lsp event", attrs...)
	default:
		s.logger.Info("lsp event", attrs...)
	}
}

// =============================================================================
// Fan-out and recording
// =============================================================================

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e Event) {
	e = stamp(e)
	for _, s := range f {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Recorder keeps every event in memory. Used by tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, stamp(e))
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
