// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
	"github.com/archipelago-ai/archipelago/services/gateway/observability"
)

// LaneSpec describes one lane for the executor: its budget, its primary
// dependency's breaker and its fallback chain.
type LaneSpec struct {
	// Name is the lane name used in the response envelope
	// (e.g. "web_search", "vector_search", "synthesis").
	Name string

	// Budget is the lane's slice of the request budget.
	Budget *BudgetNode

	// Breaker guards the primary strategy's dependency. When open, the
	// executor skips straight to the first fallback without an attempt.
	// Nil means the primary is always tried.
	Breaker *CircuitBreaker

	// Chain is the lane's ordered fallback chain.
	Chain *Chain

	// Background, when set, receives results that arrive after the lane
	// was abandoned on deadline. Used to populate caches from late
	// completions. Must not block.
	Background func(lane string, data any)
}

// LaneExecutor runs lanes to completion without ever surfacing an error.
//
// # Description
//
// Every lane outcome, including panics, open circuits and exhausted budgets,
// becomes a structured LaneResult. The orchestrator can therefore fan lanes
// out without per-lane error handling. A lane that overruns its budget is
// abandoned, not killed: if its chain later completes, the result feeds the
// lane's Background hook instead of the response.
//
// # Thread Safety
//
// LaneExecutor is stateless and safe for concurrent use.
type LaneExecutor struct {
	emitter observability.Emitter
}

// NewLaneExecutor creates an executor. A nil emitter disables events.
func NewLaneExecutor(emitter observability.Emitter) *LaneExecutor {
	if emitter == nil {
		emitter = observability.NopEmitter{}
	}
	return &LaneExecutor{emitter: emitter}
}

// chainOutcome carries a chain's result across the goroutine boundary.
type chainOutcome struct {
	data any
	idx  int
	err  error
}

// Run executes one lane and returns its result. Never panics.
//
// # Inputs
//
//   - ctx: Request context; cancellation marks the lane skipped
//   - traceID: Request trace id, threaded into every event
//   - spec: The lane to run
func (e *LaneExecutor) Run(ctx context.Context, traceID string, spec LaneSpec) (result datatypes.LaneResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result = datatypes.LaneResult{
				LaneName:    spec.Name,
				Status:      datatypes.LaneError,
				ElapsedMs:   datatypes.ElapsedSince(start),
				ErrorDetail: fmt.Sprintf("lane panicked: %v", r),
			}
		}
		e.emitter.Emit(ctx, observability.Event{
			Time:      time.Now(),
			Type:      observability.EventLaneFinished,
			TraceID:   traceID,
			Lane:      spec.Name,
			Status:    string(result.Status),
			ElapsedMs: result.ElapsedMs,
			Detail:    result.ErrorDetail,
		})
	}()

	e.emitter.Emit(ctx, observability.Event{
		Time:    start,
		Type:    observability.EventLaneStarted,
		TraceID: traceID,
		Lane:    spec.Name,
	})

	if spec.Budget == nil || spec.Budget.Expired() {
		return datatypes.LaneResult{
			LaneName:    spec.Name,
			Status:      datatypes.LaneTimeout,
			ElapsedMs:   0,
			ErrorDetail: fmt.Sprintf("%v before lane start", ErrBudgetExhausted),
		}
	}

	// An open primary breaker skips the primary without burning budget on
	// a request that would be rejected anyway. Rejecting is a read-only
	// peek: the one probe-consuming Allow per attempt belongs to the chain,
	// which pairs it with a recorded outcome.
	startIndex := 0
	if spec.Breaker != nil && spec.Breaker.Rejecting() {
		startIndex = 1
		e.emitter.Emit(ctx, observability.Event{
			Time:       time.Now(),
			Type:       observability.EventBreakerSkip,
			TraceID:    traceID,
			Lane:       spec.Name,
			Dependency: spec.Breaker.Name(),
			FromState:  spec.Breaker.State().String(),
		})
	}

	spec.Chain.OnAttempt(func(index int, strategy string, attempt int, err error) {
		status := "success"
		detail := ""
		if err != nil {
			status = "error"
			detail = err.Error()
		}
		e.emitter.Emit(ctx, observability.Event{
			Time:     time.Now(),
			Type:     observability.EventFallbackAttempt,
			TraceID:  traceID,
			Lane:     spec.Name,
			Strategy: strategy,
			Attempt:  attempt,
			Status:   status,
			Detail:   detail,
		})
	})

	laneCtx, cancel := spec.Budget.Context(ctx)
	defer cancel()

	resCh := make(chan chainOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- chainOutcome{err: fmt.Errorf("lane %s panicked: %v", spec.Name, r)}
			}
		}()
		data, idx, err := spec.Chain.ExecuteFrom(laneCtx, startIndex)
		resCh <- chainOutcome{data: data, idx: idx, err: err}
	}()

	select {
	case out := <-resCh:
		return e.resolve(spec, start, startIndex, out)

	case <-laneCtx.Done():
		// Abandon the lane. The chain goroutine keeps running; a late
		// success still has value for cache population.
		go func() {
			out := <-resCh
			if out.err == nil && spec.Background != nil {
				spec.Background(spec.Name, out.data)
			}
		}()

		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return datatypes.LaneResult{
				LaneName:    spec.Name,
				Status:      datatypes.LaneSkipped,
				ElapsedMs:   datatypes.ElapsedSince(start),
				ErrorDetail: "request canceled",
			}
		}
		return datatypes.LaneResult{
			LaneName:    spec.Name,
			Status:      datatypes.LaneTimeout,
			ElapsedMs:   datatypes.ElapsedSince(start),
			ErrorDetail: fmt.Sprintf("lane %s exceeded its %s budget", spec.Name, spec.Budget.Name()),
		}
	}
}

// resolve maps a completed chain outcome onto a lane result.
func (e *LaneExecutor) resolve(spec LaneSpec, start time.Time, startIndex int, out chainOutcome) datatypes.LaneResult {
	elapsed := datatypes.ElapsedSince(start)

	if out.err == nil {
		return datatypes.LaneResult{
			LaneName:      spec.Name,
			Status:        datatypes.LaneSuccess,
			Data:          out.data,
			Partial:       out.idx > 0 || startIndex > 0,
			ElapsedMs:     elapsed,
			StrategyIndex: out.idx,
		}
	}

	status := datatypes.LaneError
	switch {
	case startIndex > 0:
		// The primary never ran because its breaker was open; an exhausted
		// chain after that skip is a circuit-open outcome no matter which
		// error the last fallback produced.
		status = datatypes.LaneCircuitOpen
	case errors.Is(out.err, ErrCircuitOpen):
		status = datatypes.LaneCircuitOpen
	case errors.Is(out.err, context.DeadlineExceeded):
		status = datatypes.LaneTimeout
	case errors.Is(out.err, context.Canceled):
		status = datatypes.LaneSkipped
	}

	return datatypes.LaneResult{
		LaneName:    spec.Name,
		Status:      status,
		ElapsedMs:   elapsed,
		ErrorDetail: out.err.Error(),
	}
}
