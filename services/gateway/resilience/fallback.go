// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"fmt"
	"time"
)

// Strategy is one way of satisfying a capability (e.g. "web_search" via
// DuckDuckGo, via SearxNG, or via cached results).
//
// # Contract
//
// Invoke must respect ctx cancellation and return promptly once the deadline
// passes. It must not be retried after a nil error.
type Strategy interface {
	// Name identifies the strategy for logging and fallback attribution.
	Name() string

	// Invoke attempts the strategy. A nil error means the returned value is
	// the capability's result.
	Invoke(ctx context.Context) (any, error)
}

// strategyFunc adapts a plain function into a Strategy.
type strategyFunc struct {
	name string
	fn   func(ctx context.Context) (any, error)
}

func (s *strategyFunc) Name() string { return s.name }

func (s *strategyFunc) Invoke(ctx context.Context) (any, error) { return s.fn(ctx) }

// NewStrategy wraps a function as a named Strategy.
func NewStrategy(name string, fn func(ctx context.Context) (any, error)) Strategy {
	return &strategyFunc{name: name, fn: fn}
}

// ChainEntry is one strategy in a fallback chain, with its retry budget and
// the breaker guarding its backing dependency.
type ChainEntry struct {
	Strategy Strategy

	// Retries is the number of additional attempts after the first failure.
	// Zero means one attempt total.
	Retries int

	// Breaker guards the dependency this strategy calls. Nil means
	// unguarded (e.g. a local cache read). When the breaker is open the
	// entry is skipped without an attempt.
	Breaker *CircuitBreaker
}

// AttemptFunc observes one strategy attempt inside a chain. Called after the
// attempt resolved, with the entry index, the strategy name, which attempt
// this was (1-based) and the error, nil on success.
type AttemptFunc func(index int, strategy string, attempt int, err error)

// Chain executes an ordered list of strategies for one capability until one
// succeeds.
//
// # Description
//
// Strategies run strictly in order: entry N+1 runs only after entry N has
// exhausted its retries or been skipped by an open breaker. All entries share
// the lane's deadline through ctx; the chain never extends it. When every
// entry fails the chain reports the LAST error, which names the final
// fallback tier rather than the primary.
//
// # Thread Safety
//
// A Chain is immutable after construction and safe to execute concurrently.
type Chain struct {
	capability string
	entries    []ChainEntry
	onAttempt  AttemptFunc
}

// NewChain builds a fallback chain for a capability.
//
// # Inputs
//
//   - capability: Capability name (e.g. "web_search", "synthesis")
//   - entries: Strategies in preference order; must be non-empty
func NewChain(capability string, entries ...ChainEntry) *Chain {
	return &Chain{capability: capability, entries: entries}
}

// OnAttempt registers an observer for every attempt, replacing any previous
// one. The lane executor installs its event-emitting observer here, so chains
// handed to the executor should not register their own. Returns the chain for
// chaining during construction.
func (c *Chain) OnAttempt(fn AttemptFunc) *Chain {
	c.onAttempt = fn
	return c
}

// Capability returns the capability name this chain serves.
func (c *Chain) Capability() string { return c.capability }

// Len returns the number of entries in the chain.
func (c *Chain) Len() int { return len(c.entries) }

// Execute runs the chain from its first entry.
//
// # Outputs
//
//   - any: The winning strategy's result
//   - int: Index of the entry that succeeded (0 = primary)
//   - error: Non-nil when every entry failed; wraps ErrExhaustedFallbacks
//     around the last error observed
func (c *Chain) Execute(ctx context.Context) (any, int, error) {
	return c.ExecuteFrom(ctx, 0)
}

// ExecuteFrom runs the chain starting at entry index start. The lane executor
// uses this to skip a primary whose breaker it already found open.
func (c *Chain) ExecuteFrom(ctx context.Context, start int) (any, int, error) {
	if len(c.entries) == 0 {
		return nil, -1, fmt.Errorf("chain %s: %w: no strategies configured", c.capability, ErrExhaustedFallbacks)
	}

	var lastErr error

	for i := start; i < len(c.entries); i++ {
		entry := c.entries[i]

		if err := ctx.Err(); err != nil {
			// Budget gone; do not start strategies that cannot finish.
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= 0 {
			if lastErr == nil {
				lastErr = context.DeadlineExceeded
			}
			break
		}

		if entry.Breaker != nil && !entry.Breaker.Allow() {
			lastErr = fmt.Errorf("%s: %w", entry.Breaker.Name(), ErrCircuitOpen)
			if c.onAttempt != nil {
				c.onAttempt(i, entry.Strategy.Name(), 0, lastErr)
			}
			continue
		}

		result, err := c.attempt(ctx, i, entry)
		if err == nil {
			return result, i, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		// start was past the last entry: the skipped primary was the whole
		// chain, so the only reason nothing ran is its open breaker.
		lastErr = ErrCircuitOpen
	}
	return nil, -1, fmt.Errorf("chain %s: %w: %w", c.capability, ErrExhaustedFallbacks, lastErr)
}

// attempt runs one entry through its retry budget. The breaker, when present,
// records exactly one outcome per attempt the Allow call permitted; retries
// after the first attempt re-check the breaker themselves.
func (c *Chain) attempt(ctx context.Context, index int, entry ChainEntry) (result any, err error) {
	for try := 1; try <= entry.Retries+1; try++ {
		if try > 1 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if entry.Breaker != nil && !entry.Breaker.Allow() {
				return nil, fmt.Errorf("%s: %w", entry.Breaker.Name(), ErrCircuitOpen)
			}
		}

		result, err = c.invokeSafely(ctx, entry.Strategy)

		if entry.Breaker != nil {
			if err != nil {
				entry.Breaker.RecordFailure()
			} else {
				entry.Breaker.RecordSuccess()
			}
		}

		if c.onAttempt != nil {
			c.onAttempt(index, entry.Strategy.Name(), try, err)
		}

		if err == nil {
			return result, nil
		}
	}
	return nil, err
}

// invokeSafely runs a strategy and converts panics into errors so one buggy
// backend cannot take the lane down.
func (c *Chain) invokeSafely(ctx context.Context, s Strategy) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Invoke(ctx)
}
