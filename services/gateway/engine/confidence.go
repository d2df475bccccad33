// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
)

// SynthesisLane is the reserved lane name for the answer-generation step.
// Every other lane in a result set is a retrieval lane.
const SynthesisLane = "synthesis"

// Assessment grades one request's lane outcomes.
type Assessment struct {
	// Confidence is in [0,1], derived solely from the lane results.
	Confidence float64

	// PartialReason is empty when nothing degraded, otherwise a short
	// machine-readable cause.
	PartialReason string
}

// Assess maps a full set of lane results onto a confidence score and a
// degradation reason.
//
// # Description
//
// Deterministic bucket lookup over the success pattern:
//
//   - every lane succeeded on its primary: 1.0
//   - synthesis plus at least one retrieval lane: 0.8-0.9
//   - synthesis only: 0.6-0.7
//   - retrieval only, synthesis failed: 0.4-0.5
//   - successes came only from fallbacks or caches: 0.3-0.4
//   - nothing succeeded: 0.0
//
// Within a bucket the value rises linearly with the number of successful
// lanes, so adding a success never lowers the score.
//
// # Inputs
//
//   - results: All lane results for the request, keyed by lane name. The
//     synthesis lane, when present, is identified by SynthesisLane.
//
// # Thread Safety
//
// Pure function. No state.
func Assess(results map[string]datatypes.LaneResult) Assessment {
	var (
		total          int
		successes      int
		primaryWins    int
		retrievalTotal int
		retrievalOK    int
		synthResult    datatypes.LaneResult
		synthPresent   bool
		anyTimeout     bool
		anyCircuitOpen bool
		anyFallback    bool
		cachedSynth    bool
	)

	for name, r := range results {
		total++
		if name == SynthesisLane {
			synthResult = r
			synthPresent = true
		} else {
			retrievalTotal++
		}

		switch r.Status {
		case datatypes.LaneSuccess:
			successes++
			if name != SynthesisLane {
				retrievalOK++
			}
			if r.ServedByFallback() || r.ServedFromCache() {
				anyFallback = true
				if name == SynthesisLane {
					cachedSynth = true
				}
			} else {
				primaryWins++
			}
		case datatypes.LaneTimeout:
			anyTimeout = true
		case datatypes.LaneCircuitOpen:
			anyCircuitOpen = true
		}
	}

	synthOK := synthPresent && synthResult.Status == datatypes.LaneSuccess

	confidence := scoreBucket(total, successes, primaryWins, retrievalTotal, retrievalOK, synthOK)
	reason := degradationReason(results, synthOK, cachedSynth, anyTimeout, anyCircuitOpen, anyFallback)

	return Assessment{Confidence: confidence, PartialReason: reason}
}

// scoreBucket picks the confidence bucket and interpolates within it.
func scoreBucket(total, successes, primaryWins, retrievalTotal, retrievalOK int, synthOK bool) float64 {
	if successes == 0 {
		return 0.0
	}
	if successes == total && primaryWins == total {
		return 1.0
	}
	if primaryWins == 0 {
		// Everything that worked came from a fallback tier or a cache.
		return 0.3 + 0.1*fraction(successes-1, total-1)
	}
	if synthOK && retrievalOK >= 1 {
		return 0.8 + 0.1*fraction(retrievalOK-1, retrievalTotal-1)
	}
	if synthOK {
		return 0.6
	}
	return 0.4 + 0.1*fraction(retrievalOK-1, retrievalTotal-1)
}

// fraction is num/den guarded against an empty denominator.
func fraction(num, den int) float64 {
	if den <= 0 {
		return 0
	}
	if num < 0 {
		num = 0
	}
	return float64(num) / float64(den)
}

// degradationReason picks the most user-relevant cause when anything fell
// short of a clean primary-path answer.
func degradationReason(results map[string]datatypes.LaneResult, synthOK, cachedSynth, anyTimeout, anyCircuitOpen, anyFallback bool) string {
	allClean := true
	for _, r := range results {
		if r.Status != datatypes.LaneSuccess || r.Partial {
			allClean = false
			break
		}
	}
	if allClean {
		return ""
	}

	switch {
	case cachedSynth:
		return "Primary model unavailable, used cached response"
	case anyTimeout:
		return "Some lanes timed out"
	case anyCircuitOpen:
		return "Some dependencies were unavailable"
	case !synthOK:
		return "Synthesis unavailable, returning retrieval results only"
	case anyFallback:
		return "Some lanes served by fallback"
	default:
		return "Some lanes failed"
	}
}
