// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the request and response types exchanged between
// the gateway's resilience core, its HTTP surface, and the backend lanes.
//
// All types here are request-scoped value types: a LaneResult is created once
// per lane invocation and never mutated after construction, and a
// ResponseEnvelope is built once at assembly time and immutable once returned.
// Nothing in this package is shared across requests, so none of it is locked.
package datatypes

import (
	"fmt"
	"time"
)

// =============================================================================
// Query Classification
// =============================================================================

// QueryClass buckets incoming queries by expected effort. The class determines
// the root time budget for the whole request.
type QueryClass string

const (
	// ClassSimple is a short factual query. Root budget 5s.
	ClassSimple QueryClass = "simple"

	// ClassTechnical is a technical or code-oriented query. Root budget 7s.
	ClassTechnical QueryClass = "technical"

	// ClassResearch is a multi-source research query. Root budget 7s.
	ClassResearch QueryClass = "research"

	// ClassMultimedia is a query whose answer spans media lookups. Root budget 10s.
	ClassMultimedia QueryClass = "multimedia"
)

// ParseQueryClass maps a wire string onto a QueryClass, defaulting to
// ClassSimple for anything unrecognized. Classification itself is owned by an
// upstream query-understanding component; the gateway only consumes the label.
func ParseQueryClass(s string) QueryClass {
	switch QueryClass(s) {
	case ClassSimple, ClassTechnical, ClassResearch, ClassMultimedia:
		return QueryClass(s)
	default:
		return ClassSimple
	}
}

// QueryRequest is the input the engine consumes.
//
// Query text and classification arrive from the upstream query-understanding
// collaborator; the gateway performs no refinement of its own.
type QueryRequest struct {
	// Query is the raw user query text. Must be non-empty.
	Query string `json:"query" binding:"required"`

	// Class is the query classification label ("simple", "technical",
	// "research", "multimedia"). Unknown values degrade to "simple".
	Class string `json:"class"`

	// SessionID optionally correlates the request with a conversation.
	SessionID string `json:"session_id"`
}

// =============================================================================
// Lane Results
// =============================================================================

// LaneStatus is the terminal outcome of one lane invocation.
type LaneStatus string

const (
	// LaneSuccess means the lane produced usable data before its deadline.
	LaneSuccess LaneStatus = "success"

	// LaneTimeout means the lane's sub-deadline elapsed before completion.
	LaneTimeout LaneStatus = "timeout"

	// LaneCircuitOpen means the primary dependency was skipped by its breaker
	// and no fallback produced data either.
	LaneCircuitOpen LaneStatus = "circuit_open"

	// LaneError means the lane ran and failed, fallbacks included.
	LaneError LaneStatus = "error"

	// LaneSkipped means the lane was never attempted (e.g., the request was
	// canceled before the lane could run).
	LaneSkipped LaneStatus = "skipped"
)

// LaneResult is the terminal record of one lane invocation.
//
// Invariants:
//   - Status == LaneSuccess implies Data is non-nil.
//   - Any other status implies Data is nil, or Partial is true when a
//     degraded payload was salvaged.
//   - StrategyIndex is 0 for a primary success, >0 when a fallback served the
//     data, and -1 when nothing in the chain produced data.
//
// A LaneResult is owned exclusively by the orchestrator after return and is
// never mutated after construction.
type LaneResult struct {
	// LaneName identifies the capability ("web_search", "vector_search", ...).
	LaneName string `json:"-"`

	// Status is the terminal outcome.
	Status LaneStatus `json:"status"`

	// Data is the lane payload (a *RetrievalPayload or *SynthesisPayload).
	// The core treats it as opaque.
	Data any `json:"results_or_response,omitempty"`

	// Partial marks data that is present but degraded: served by a fallback
	// strategy, from cache, or salvaged from a timed-out call.
	Partial bool `json:"partial,omitempty"`

	// ElapsedMs is wall-clock time spent in the lane, in milliseconds.
	ElapsedMs int64 `json:"time_ms"`

	// ErrorDetail is a short machine-readable cause for any non-clean outcome.
	ErrorDetail string `json:"timeout_reason,omitempty"`

	// StrategyIndex records which fallback-chain entry produced Data.
	StrategyIndex int `json:"fallback_strategy,omitempty"`
}

// Succeeded reports whether the lane produced usable data.
func (r LaneResult) Succeeded() bool {
	return r.Status == LaneSuccess && r.Data != nil
}

// ServedByFallback reports whether the data came from anything other than the
// lane's primary strategy.
func (r LaneResult) ServedByFallback() bool {
	return r.Succeeded() && r.StrategyIndex > 0
}

// ServedFromCache reports whether the lane's payload was a cache hit rather
// than a live backend response.
func (r LaneResult) ServedFromCache() bool {
	if !r.Succeeded() {
		return false
	}
	switch p := r.Data.(type) {
	case *RetrievalPayload:
		return p.FromCache
	case *SynthesisPayload:
		return p.FromCache
	default:
		return false
	}
}

// =============================================================================
// Lane Payloads
// =============================================================================

// Document is a single retrieved item from any retrieval lane.
type Document struct {
	Title   string  `json:"title,omitempty"`
	Source  string  `json:"source"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// RetrievalPayload is the data shape produced by every retrieval lane.
type RetrievalPayload struct {
	// Documents are the retrieved items, best first.
	Documents []Document `json:"documents"`

	// Backend names the system that actually served the result
	// ("searxng", "weaviate", "graph", "cache").
	Backend string `json:"backend,omitempty"`

	// FromCache is true when the payload was a stored earlier result rather
	// than a live response.
	FromCache bool `json:"from_cache,omitempty"`
}

// Sources returns the distinct document sources, in order of appearance.
func (p *RetrievalPayload) Sources() []string {
	seen := make(map[string]struct{}, len(p.Documents))
	out := make([]string, 0, len(p.Documents))
	for _, d := range p.Documents {
		if d.Source == "" {
			continue
		}
		if _, dup := seen[d.Source]; dup {
			continue
		}
		seen[d.Source] = struct{}{}
		out = append(out, d.Source)
	}
	return out
}

// SynthesisPayload is the data shape produced by the synthesis lane.
type SynthesisPayload struct {
	// Answer is the generated answer text.
	Answer string `json:"answer"`

	// Model names the model (or "cache") that produced the answer.
	Model string `json:"model,omitempty"`

	// FromCache is true when the answer was a stored earlier response.
	FromCache bool `json:"from_cache,omitempty"`
}

// =============================================================================
// Response Envelope
// =============================================================================

// EnvelopeStatus is the overall outcome of one request.
type EnvelopeStatus string

const (
	// StatusSuccess means synthesis and every critical lane succeeded.
	StatusSuccess EnvelopeStatus = "success"

	// StatusPartial means something usable was assembled from fewer than all
	// lanes, with a reduced confidence and an explicit reason.
	StatusPartial EnvelopeStatus = "partial"

	// StatusError means nothing at all succeeded.
	StatusError EnvelopeStatus = "error"
)

// ResponseEnvelope is the single wire response returned to the calling layer.
// The caller always receives a well-formed envelope, never an exception.
type ResponseEnvelope struct {
	Status               EnvelopeStatus        `json:"status"`
	Query                string                `json:"query"`
	Response             string                `json:"response"`
	Confidence           float64               `json:"confidence"`
	PartialReason        string                `json:"partial_reason,omitempty"`
	LaneResults          map[string]LaneResult `json:"lane_results"`
	Citations            []string              `json:"citations"`
	DisagreementDetected bool                  `json:"disagreement_detected"`
	TraceID              string                `json:"trace_id"`
	ElapsedMs            int64                 `json:"time_ms"`
}

// Validate checks the envelope's own invariants. Used by assembly tests, not
// on the wire path.
func (e *ResponseEnvelope) Validate() error {
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0,1]", e.Confidence)
	}
	if e.Status != StatusSuccess && e.Status != StatusPartial && e.Status != StatusError {
		return fmt.Errorf("unknown envelope status %q", e.Status)
	}
	if e.Status != StatusSuccess && e.PartialReason == "" && e.Status != StatusError {
		return fmt.Errorf("partial envelope missing partial_reason")
	}
	for name, lr := range e.LaneResults {
		if lr.Status == LaneSuccess && lr.Data == nil {
			return fmt.Errorf("lane %s: success without data", name)
		}
		if lr.Status != LaneSuccess && lr.Data != nil && !lr.Partial {
			return fmt.Errorf("lane %s: %s carries data without partial marker", name, lr.Status)
		}
	}
	return nil
}

// ElapsedSince is a small helper converting a start time into the envelope's
// millisecond wall-clock field.
func ElapsedSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
