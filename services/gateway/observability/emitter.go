// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides trace-event emission and Prometheus metrics
// for the gateway.
//
// # Description
//
// The resilience core does not log or persist anything itself: every lane,
// breaker, and fallback transition is converted into a structured Event tagged
// with the request's trace id and handed to an Emitter. External sinks
// (log aggregation, dashboards) consume these; storage is not this package's
// concern.
//
// # Thread Safety
//
// All emitters are safe for concurrent use.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Events
// =============================================================================

// EventType identifies what kind of transition an Event records.
type EventType string

const (
	// EventLaneStarted marks a lane beginning execution.
	EventLaneStarted EventType = "lane_started"

	// EventLaneFinished marks a lane reaching a terminal LaneResult.
	EventLaneFinished EventType = "lane_finished"

	// EventBreakerTransition marks a circuit breaker state change.
	EventBreakerTransition EventType = "breaker_transition"

	// EventBreakerSkip marks a dependency bypassed because its breaker was open.
	EventBreakerSkip EventType = "breaker_skip"

	// EventFallbackAttempt marks one strategy attempt inside a fallback chain.
	EventFallbackAttempt EventType = "fallback_attempt"

	// EventRequestAssembled marks the final envelope being built.
	EventRequestAssembled EventType = "request_assembled"
)

// Event is one structured observability record. Fields not relevant to the
// event type are left zero.
type Event struct {
	Time       time.Time
	Type       EventType
	TraceID    string
	Lane       string
	Dependency string
	FromState  string
	ToState    string
	Strategy   string
	Attempt    int
	Status     string
	Confidence float64
	ElapsedMs  int64
	Detail     string
}

// Emitter consumes structured events. Implementations must not block the
// caller for long: the resilience core emits on its hot path.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// =============================================================================
// Emitter Implementations
// =============================================================================

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit discards the event.
func (NopEmitter) Emit(context.Context, Event) {}

// SlogEmitter writes events as structured log lines.
type SlogEmitter struct {
	Logger *slog.Logger
}

// NewSlogEmitter creates an emitter backed by the given logger, or the
// default slog logger when nil.
func NewSlogEmitter(logger *slog.Logger) *SlogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogEmitter{Logger: logger}
}

// Emit logs the event at debug level, except breaker transitions which are
// operationally significant and logged at info.
func (e *SlogEmitter) Emit(_ context.Context, ev Event) {
	args := []any{
		"event", string(ev.Type),
		"trace_id", ev.TraceID,
	}
	if ev.Lane != "" {
		args = append(args, "lane", ev.Lane)
	}
	if ev.Dependency != "" {
		args = append(args, "dependency", ev.Dependency)
	}
	if ev.FromState != "" || ev.ToState != "" {
		args = append(args, "from", ev.FromState, "to", ev.ToState)
	}
	if ev.Strategy != "" {
		args = append(args, "strategy", ev.Strategy, "attempt", ev.Attempt)
	}
	if ev.Status != "" {
		args = append(args, "status", ev.Status)
	}
	if ev.ElapsedMs > 0 {
		args = append(args, "elapsed_ms", ev.ElapsedMs)
	}
	if ev.Detail != "" {
		args = append(args, "detail", ev.Detail)
	}
	if ev.Type == EventBreakerTransition {
		e.Logger.Info("breaker transition", args...)
		return
	}
	e.Logger.Debug("gateway event", args...)
}

// SpanEmitter attaches events to the active OpenTelemetry span, if any.
type SpanEmitter struct{}

// Emit records the event on the span carried by ctx.
func (SpanEmitter) Emit(ctx context.Context, ev Event) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("gateway.trace_id", ev.TraceID),
	}
	if ev.Lane != "" {
		attrs = append(attrs, attribute.String("gateway.lane", ev.Lane))
	}
	if ev.Dependency != "" {
		attrs = append(attrs, attribute.String("gateway.dependency", ev.Dependency))
	}
	if ev.ToState != "" {
		attrs = append(attrs, attribute.String("gateway.to_state", ev.ToState))
	}
	if ev.Strategy != "" {
		attrs = append(attrs, attribute.String("gateway.strategy", ev.Strategy))
	}
	if ev.Status != "" {
		attrs = append(attrs, attribute.String("gateway.status", ev.Status))
	}
	span.AddEvent(string(ev.Type), trace.WithAttributes(attrs...))
}

// BufferedEmitter collects events in memory.
//
// Useful for tests to assert on emitted transitions:
//
//	em := observability.NewBufferedEmitter()
//	// ... run a request ...
//	evs := em.Events()
type BufferedEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make([]Event, 0, 32)}
}

// Emit appends the event to the buffer.
func (e *BufferedEmitter) Emit(_ context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// Events returns a copy of all collected events.
func (e *BufferedEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// ByType returns collected events of one type, in emission order.
func (e *BufferedEmitter) ByType(t EventType) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// MultiEmitter fans one event out to several emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters; nil entries are skipped.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, em := range emitters {
		if em != nil {
			m.emitters = append(m.emitters, em)
		}
	}
	return m
}

// Emit forwards the event to every emitter.
func (m *MultiEmitter) Emit(ctx context.Context, ev Event) {
	for _, em := range m.emitters {
		em.Emit(ctx, ev)
	}
}

var (
	_ Emitter = NopEmitter{}
	_ Emitter = (*SlogEmitter)(nil)
	_ Emitter = SpanEmitter{}
	_ Emitter = (*BufferedEmitter)(nil)
	_ Emitter = (*MultiEmitter)(nil)
)
