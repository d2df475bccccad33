// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience implements the deadline, circuit-breaker, fallback, and
// lane-execution core of the gateway.
//
// The package converts N unreliable concurrent backend calls into bounded,
// observable outcomes: a hierarchical time budget caps every call, a
// per-dependency circuit breaker bypasses known-bad dependencies, an ordered
// fallback chain tries alternatives, and the lane executor wraps all of it
// into a LaneResult that never surfaces as a panic or error to the
// orchestrator.
package resilience

import "errors"

// ErrCircuitOpen is returned when a dependency's circuit breaker rejects the
// call without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrBudgetExhausted names the failure of a lane whose budget was already
// spent before its first strategy could start.
var ErrBudgetExhausted = errors.New("time budget exhausted")

// ErrExhaustedFallbacks is returned by a fallback chain when every strategy
// failed. It always wraps the last strategy's failure.
var ErrExhaustedFallbacks = errors.New("all fallback strategies failed")

// ErrAssemblyFailure names the total-failure envelope: no lane output at all
// was usable, so the orchestrator assembled an error-status response.
var ErrAssemblyFailure = errors.New("no usable lane output")
