// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"strings"
	"testing"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
)

func retrievalOK() datatypes.LaneResult {
	return datatypes.LaneResult{
		Status: datatypes.LaneSuccess,
		Data:   &datatypes.RetrievalPayload{Documents: []datatypes.Document{{Source: "https://example.com"}}},
	}
}

func synthOK() datatypes.LaneResult {
	return datatypes.LaneResult{
		Status: datatypes.LaneSuccess,
		Data:   &datatypes.SynthesisPayload{Answer: "answer", Model: "gpt-4o-mini"},
	}
}

func laneFailed(status datatypes.LaneStatus) datatypes.LaneResult {
	return datatypes.LaneResult{Status: status, ErrorDetail: "injected"}
}

func cached(r datatypes.LaneResult) datatypes.LaneResult {
	r.Partial = true
	r.StrategyIndex = 2
	switch p := r.Data.(type) {
	case *datatypes.RetrievalPayload:
		p.FromCache = true
	case *datatypes.SynthesisPayload:
		p.FromCache = true
	}
	return r
}

func TestAssess_Buckets(t *testing.T) {
	tests := []struct {
		name    string
		results map[string]datatypes.LaneResult
		min     float64
		max     float64
		reason  string
	}{
		{
			name: "all lanes primary success",
			results: map[string]datatypes.LaneResult{
				"web_search":    retrievalOK(),
				"vector_search": retrievalOK(),
				SynthesisLane:   synthOK(),
			},
			min: 1.0, max: 1.0, reason: "",
		},
		{
			name: "synthesis plus some retrieval",
			results: map[string]datatypes.LaneResult{
				"web_search":    retrievalOK(),
				"vector_search": laneFailed(datatypes.LaneTimeout),
				"keyword":       retrievalOK(),
				SynthesisLane:   synthOK(),
			},
			min: 0.8, max: 0.9, reason: "Some lanes timed out",
		},
		{
			name: "synthesis only",
			results: map[string]datatypes.LaneResult{
				"web_search":    laneFailed(datatypes.LaneError),
				"vector_search": laneFailed(datatypes.LaneError),
				SynthesisLane:   synthOK(),
			},
			min: 0.6, max: 0.7, reason: "Some lanes failed",
		},
		{
			name: "retrieval only",
			results: map[string]datatypes.LaneResult{
				"web_search":    retrievalOK(),
				"vector_search": retrievalOK(),
				SynthesisLane:   laneFailed(datatypes.LaneError),
			},
			min: 0.4, max: 0.5, reason: "Synthesis unavailable, returning retrieval results only",
		},
		{
			name: "cached synthesis only",
			results: map[string]datatypes.LaneResult{
				"web_search":    laneFailed(datatypes.LaneError),
				"vector_search": laneFailed(datatypes.LaneTimeout),
				SynthesisLane:   cached(synthOK()),
			},
			min: 0.3, max: 0.4, reason: "Primary model unavailable, used cached response",
		},
		{
			name: "nothing succeeded",
			results: map[string]datatypes.LaneResult{
				"web_search":    laneFailed(datatypes.LaneError),
				"vector_search": laneFailed(datatypes.LaneCircuitOpen),
				SynthesisLane:   laneFailed(datatypes.LaneError),
			},
			min: 0.0, max: 0.0, reason: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Assess(tt.results)
			if a.Confidence < tt.min || a.Confidence > tt.max {
				t.Errorf("confidence = %.3f, want in [%.1f, %.1f]", a.Confidence, tt.min, tt.max)
			}
			if tt.reason != "" && a.PartialReason != tt.reason {
				t.Errorf("reason = %q, want %q", a.PartialReason, tt.reason)
			}
		})
	}
}

func TestAssess_ConfidenceBounds(t *testing.T) {
	// Single-lane result sets must not divide by zero.
	a := Assess(map[string]datatypes.LaneResult{SynthesisLane: synthOK()})
	if a.Confidence < 0 || a.Confidence > 1 {
		t.Errorf("confidence = %.3f, want within [0,1]", a.Confidence)
	}
}

func TestAssess_MonotonicInSuccesses(t *testing.T) {
	lanes := []string{"web_search", "vector_search", "keyword_search", "knowledge_graph"}

	// Grow the success set one lane at a time; confidence must never drop.
	prev := -1.0
	for successCount := 0; successCount <= len(lanes); successCount++ {
		results := map[string]datatypes.LaneResult{SynthesisLane: synthOK()}
		for i, lane := range lanes {
			if i < successCount {
				results[lane] = retrievalOK()
			} else {
				results[lane] = laneFailed(datatypes.LaneError)
			}
		}

		a := Assess(results)
		if a.Confidence < prev {
			t.Fatalf("confidence dropped from %.3f to %.3f at %d successes", prev, a.Confidence, successCount)
		}
		prev = a.Confidence
	}
}

func TestAssess_CacheOnlyMentionsCache(t *testing.T) {
	a := Assess(map[string]datatypes.LaneResult{
		"web_search":  laneFailed(datatypes.LaneError),
		SynthesisLane: cached(synthOK()),
	})
	if !strings.Contains(a.PartialReason, "cached") {
		t.Errorf("reason %q must mention the cached response", a.PartialReason)
	}
}
