// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine coordinates one query across all retrieval lanes and the
// synthesis step, under a hierarchical time budget, and assembles the lane
// outcomes into a single graded response envelope.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
	"github.com/archipelago-ai/archipelago/services/gateway/observability"
	"github.com/archipelago-ai/archipelago/services/gateway/resilience"
)

// requestState tracks where one request is in its lifecycle. Terminal state
// is always stateAssembled, even for requests that end in status=error.
type requestState string

const (
	stateInit             requestState = "INIT"
	stateLanesRunning     requestState = "LANES_RUNNING"
	stateSynthesisRunning requestState = "SYNTHESIS_RUNNING"
	stateAssembled        requestState = "ASSEMBLED"
)

// ClassBudget is the end-to-end time allowance for one query class.
type ClassBudget struct {
	// Total is the root deadline for the whole request.
	Total time.Duration

	// Reserve is held back from the retrieval window for coordination and
	// assembly.
	Reserve time.Duration
}

// DefaultClassBudgets returns the stock per-class budget table.
func DefaultClassBudgets() map[datatypes.QueryClass]ClassBudget {
	return map[datatypes.QueryClass]ClassBudget{
		datatypes.ClassSimple:     {Total: 5 * time.Second, Reserve: 500 * time.Millisecond},
		datatypes.ClassTechnical:  {Total: 7 * time.Second, Reserve: 700 * time.Millisecond},
		datatypes.ClassResearch:   {Total: 7 * time.Second, Reserve: 700 * time.Millisecond},
		datatypes.ClassMultimedia: {Total: 10 * time.Second, Reserve: 900 * time.Millisecond},
	}
}

// LaneConfig wires one retrieval lane into the engine.
type LaneConfig struct {
	// Name is the lane's key in the response envelope.
	Name string

	// BestEffort marks a lane whose failure does not by itself degrade the
	// envelope status below success. Lanes are critical by default.
	BestEffort bool

	// Ceiling caps the lane's budget regardless of how much request time
	// remains.
	Ceiling time.Duration

	// Breaker guards the lane's primary dependency.
	Breaker *resilience.CircuitBreaker

	// NewChain builds the lane's fallback chain for one request.
	NewChain func(req datatypes.QueryRequest) *resilience.Chain

	// Background receives late completions from abandoned lane work,
	// typically to populate a cache keyed by the original query.
	Background func(req datatypes.QueryRequest, lane string, data any)
}

// SynthesisConfig wires the answer-generation lane.
type SynthesisConfig struct {
	// Ceiling caps the synthesis budget.
	Ceiling time.Duration

	// Breaker guards the primary model provider.
	Breaker *resilience.CircuitBreaker

	// NewChain builds the model fallback chain for one request, given the
	// successful retrieval lane outputs as context.
	NewChain func(req datatypes.QueryRequest, contexts map[string]datatypes.LaneResult) *resilience.Chain

	// Background receives late synthesis completions.
	Background func(req datatypes.QueryRequest, lane string, data any)
}

// Comparator decides whether two or more successful lanes materially
// disagree about the answer. The engine only surfaces the boolean.
type Comparator interface {
	Disagreement(results map[string]datatypes.LaneResult) bool
}

// Config assembles an Engine.
type Config struct {
	// Budgets maps query classes to their time allowance. Nil means
	// DefaultClassBudgets.
	Budgets map[datatypes.QueryClass]ClassBudget

	// Lanes are the retrieval lanes, run fully in parallel.
	Lanes []LaneConfig

	// Synthesis runs strictly after every retrieval lane has terminated.
	Synthesis SynthesisConfig

	// Comparator is optional; nil means disagreement is never reported.
	Comparator Comparator

	// Emitter receives lane and breaker events. Nil disables them.
	Emitter observability.Emitter

	// Metrics is optional; nil disables metric recording.
	Metrics *observability.GatewayMetrics

	// Logger is the base logger; nil means slog.Default.
	Logger *slog.Logger

	// DedupeInFlight collapses concurrent identical queries into one
	// execution whose envelope is shared.
	DedupeInFlight bool
}

// Engine answers queries by fanning out to retrieval lanes, synthesizing
// over whatever returned in time, and grading the result.
//
// # Description
//
// Lanes run concurrently with no ordering between them; synthesis never
// starts until every retrieval lane has reached a terminal result or the
// retrieval window closed. Individual lane failures never abort a request.
// The caller always receives a well-formed envelope; only a request where
// nothing at all succeeded carries status error.
//
// # Thread Safety
//
// Engine is safe for concurrent use. Per-request state lives on the stack;
// the only cross-request state is the shared circuit breakers inside the
// lane configurations.
type Engine struct {
	config     Config
	executor   *resilience.LaneExecutor
	logger     *slog.Logger
	emitter    observability.Emitter
	tracer     trace.Tracer
	group      singleflight.Group
	newTraceID func() string
}

// New validates the configuration and builds an engine.
func New(config Config) (*Engine, error) {
	if len(config.Lanes) == 0 {
		return nil, fmt.Errorf("engine: at least one retrieval lane is required")
	}
	for _, lane := range config.Lanes {
		if lane.Name == "" || lane.NewChain == nil {
			return nil, fmt.Errorf("engine: lane %q must have a name and a chain builder", lane.Name)
		}
		if lane.Name == SynthesisLane {
			return nil, fmt.Errorf("engine: lane name %q is reserved", SynthesisLane)
		}
	}
	if config.Synthesis.NewChain == nil {
		return nil, fmt.Errorf("engine: synthesis chain builder is required")
	}
	if config.Budgets == nil {
		config.Budgets = DefaultClassBudgets()
	}
	if config.Emitter == nil {
		config.Emitter = observability.NopEmitter{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Engine{
		config:     config,
		executor:   resilience.NewLaneExecutor(config.Emitter),
		logger:     config.Logger,
		emitter:    config.Emitter,
		tracer:     otel.Tracer("archipelago/gateway/engine"),
		newTraceID: func() string { return uuid.NewString() },
	}, nil
}

// Answer runs one query to a fully assembled envelope. Never returns nil
// and never panics; degraded outcomes surface as partial or error status.
func (e *Engine) Answer(ctx context.Context, req datatypes.QueryRequest) *datatypes.ResponseEnvelope {
	if !e.config.DedupeInFlight {
		return e.answer(ctx, req)
	}

	key := req.Class + "\x00" + req.Query
	v, _, _ := e.group.Do(key, func() (any, error) {
		return e.answer(ctx, req), nil
	})
	return v.(*datatypes.ResponseEnvelope)
}

func (e *Engine) answer(ctx context.Context, req datatypes.QueryRequest) *datatypes.ResponseEnvelope {
	start := time.Now()
	traceID := e.newTraceID()
	class := datatypes.ParseQueryClass(req.Class)

	if e.config.Metrics != nil {
		e.config.Metrics.ActiveRequests.Inc()
		defer e.config.Metrics.ActiveRequests.Dec()
	}

	classBudget, ok := e.config.Budgets[class]
	if !ok {
		classBudget = ClassBudget{Total: 5 * time.Second, Reserve: 500 * time.Millisecond}
	}

	ctx, span := e.tracer.Start(ctx, "engine.answer", trace.WithAttributes(
		attribute.String("query.class", string(class)),
		attribute.String("trace.id", traceID),
	))
	defer span.End()

	logger := e.logger.With("trace_id", traceID, "class", string(class))
	logger.Debug("request state", "state", stateInit, "budget_ms", classBudget.Total.Milliseconds())

	root := resilience.NewRootBudget("request", classBudget.Total)

	logger.Debug("request state", "state", stateLanesRunning, "lanes", len(e.config.Lanes))
	results := e.runRetrieval(ctx, traceID, req, root, classBudget)

	logger.Debug("request state", "state", stateSynthesisRunning)
	results[SynthesisLane] = e.runSynthesis(ctx, traceID, req, root, results)

	envelope := e.assemble(ctx, traceID, req, results, start)
	logger.Info("request state", "state", stateAssembled,
		"status", envelope.Status,
		"confidence", envelope.Confidence,
		"elapsed_ms", envelope.ElapsedMs)
	span.SetAttributes(
		attribute.String("response.status", string(envelope.Status)),
		attribute.Float64("response.confidence", envelope.Confidence),
	)

	return envelope
}

// runRetrieval fans out every retrieval lane and collects results until all
// lanes terminate or the retrieval window closes. Lanes still in flight at
// the window close are reported as timeouts; their goroutines drain into the
// buffered channel and are not awaited.
func (e *Engine) runRetrieval(ctx context.Context, traceID string, req datatypes.QueryRequest, root *resilience.BudgetNode, classBudget ClassBudget) map[string]datatypes.LaneResult {
	window := root.Derive("retrieval", classBudget.Total-classBudget.Reserve)

	resCh := make(chan datatypes.LaneResult, len(e.config.Lanes))
	for _, lane := range e.config.Lanes {
		budget := window.DeriveCeiling(lane.Name, window.Remaining(), lane.Ceiling)
		go func(lc LaneConfig, b *resilience.BudgetNode) {
			resCh <- e.executor.Run(ctx, traceID, resilience.LaneSpec{
				Name:       lc.Name,
				Budget:     b,
				Breaker:    lc.Breaker,
				Chain:      lc.NewChain(req),
				Background: bindBackground(lc.Background, req),
			})
		}(lane, budget)
	}

	windowCtx, cancel := window.Context(ctx)
	defer cancel()

	results := make(map[string]datatypes.LaneResult, len(e.config.Lanes)+1)
collect:
	for range e.config.Lanes {
		select {
		case r := <-resCh:
			results[r.LaneName] = r
			e.recordLane(r)
		case <-windowCtx.Done():
			break collect
		}
	}

	for _, lane := range e.config.Lanes {
		if _, ok := results[lane.Name]; !ok {
			r := datatypes.LaneResult{
				LaneName:    lane.Name,
				Status:      datatypes.LaneTimeout,
				ElapsedMs:   (classBudget.Total - classBudget.Reserve).Milliseconds(),
				ErrorDetail: "lane did not terminate before the retrieval window closed",
			}
			results[lane.Name] = r
			e.recordLane(r)
		}
	}

	return results
}

// runSynthesis executes the synthesis lane over the successful retrieval
// outputs. Runs even with zero successes so the cached-response fallback
// tier can still salvage an answer.
func (e *Engine) runSynthesis(ctx context.Context, traceID string, req datatypes.QueryRequest, root *resilience.BudgetNode, retrieval map[string]datatypes.LaneResult) datatypes.LaneResult {
	contexts := make(map[string]datatypes.LaneResult)
	for name, r := range retrieval {
		if r.Succeeded() {
			contexts[name] = r
		}
	}

	budget := root.DeriveCeiling(SynthesisLane, root.Remaining(), e.config.Synthesis.Ceiling)
	result := e.executor.Run(ctx, traceID, resilience.LaneSpec{
		Name:       SynthesisLane,
		Budget:     budget,
		Breaker:    e.config.Synthesis.Breaker,
		Chain:      e.config.Synthesis.NewChain(req, contexts),
		Background: bindBackground(e.config.Synthesis.Background, req),
	})
	e.recordLane(result)
	return result
}

// bindBackground closes a config-level background hook over one request.
func bindBackground(hook func(req datatypes.QueryRequest, lane string, data any), req datatypes.QueryRequest) func(lane string, data any) {
	if hook == nil {
		return nil
	}
	return func(lane string, data any) {
		hook(req, lane, data)
	}
}

// assemble builds the final envelope from the full lane result set.
func (e *Engine) assemble(ctx context.Context, traceID string, req datatypes.QueryRequest, results map[string]datatypes.LaneResult, start time.Time) *datatypes.ResponseEnvelope {
	assessment := Assess(results)

	synth := results[SynthesisLane]
	synthOK := synth.Status == datatypes.LaneSuccess

	retrievalOK := 0
	criticalFailed := false
	var citations []string
	for _, lane := range e.config.Lanes {
		r := results[lane.Name]
		if r.Succeeded() {
			retrievalOK++
			if payload, ok := r.Data.(*datatypes.RetrievalPayload); ok {
				citations = append(citations, payload.Sources()...)
			}
		} else if !lane.BestEffort {
			criticalFailed = true
		}
	}

	var answer string
	if payload, ok := synth.Data.(*datatypes.SynthesisPayload); ok {
		answer = payload.Answer
	} else if s, ok := synth.Data.(string); ok {
		answer = s
	}

	status := datatypes.StatusError
	switch {
	case synthOK && retrievalOK >= 1 && !criticalFailed:
		status = datatypes.StatusSuccess
	case synthOK || retrievalOK >= 1:
		status = datatypes.StatusPartial
	}

	reason := ""
	if status != datatypes.StatusSuccess {
		reason = assessment.PartialReason
		if status == datatypes.StatusError && reason == "" {
			reason = resilience.ErrAssemblyFailure.Error()
		}
	}

	disagreement := false
	if e.config.Comparator != nil {
		successes := make(map[string]datatypes.LaneResult)
		for name, r := range results {
			if r.Succeeded() {
				successes[name] = r
			}
		}
		disagreement = e.config.Comparator.Disagreement(successes)
	}

	envelope := &datatypes.ResponseEnvelope{
		Status:               status,
		Query:                req.Query,
		Response:             answer,
		Confidence:           assessment.Confidence,
		PartialReason:        reason,
		LaneResults:          results,
		Citations:            citations,
		DisagreementDetected: disagreement,
		TraceID:              traceID,
		ElapsedMs:            datatypes.ElapsedSince(start),
	}

	e.emitter.Emit(ctx, observability.Event{
		Time:       time.Now(),
		Type:       observability.EventRequestAssembled,
		TraceID:    traceID,
		Status:     string(status),
		Confidence: assessment.Confidence,
		ElapsedMs:  envelope.ElapsedMs,
		Detail:     reason,
	})
	if e.config.Metrics != nil {
		e.config.Metrics.RecordRequest(string(status), time.Since(start).Seconds())
	}

	return envelope
}

// recordLane feeds one terminal lane result into the metrics, when enabled.
func (e *Engine) recordLane(r datatypes.LaneResult) {
	if e.config.Metrics == nil {
		return
	}
	e.config.Metrics.RecordLane(r.LaneName, string(r.Status), float64(r.ElapsedMs)/1000.0, r.StrategyIndex)
}
