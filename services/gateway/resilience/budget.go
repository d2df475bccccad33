// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"time"
)

// now is the clock used for budget arithmetic. Overridden in tests.
var now = time.Now

// BudgetNode is one node of a request's deadline tree: an absolute point in
// time by which the named operation must complete or be treated as timed out.
//
// # Description
//
// A request gets one root node derived from its query class; every lane and
// every external call derives a child. The invariant is that a child's
// deadline never exceeds its parent's. Nodes are immutable after creation,
// request-scoped, and shared freely between goroutines without locking.
//
// # Fail-Closed Derivation
//
// Deriving from an already-expired parent does not error: it yields a node
// whose deadline is "now", i.e. zero remaining budget. Callers must treat a
// non-positive Remaining() as an immediate timeout.
type BudgetNode struct {
	name     string
	deadline time.Time
	parent   *BudgetNode
}

// NewRootBudget creates the root of a request's deadline tree, expiring
// total from now.
func NewRootBudget(name string, total time.Duration) *BudgetNode {
	return &BudgetNode{name: name, deadline: now().Add(total)}
}

// Derive creates a child whose deadline is min(parent deadline, now+d).
//
// Pure arithmetic over absolute times; no scheduling, no retries. If the
// parent's deadline has already passed, the child's deadline is "now" and the
// caller sees zero remaining budget.
func (b *BudgetNode) Derive(name string, d time.Duration) *BudgetNode {
	t := now()
	deadline := t.Add(d)
	if b.deadline.Before(deadline) {
		deadline = b.deadline
	}
	if deadline.Before(t) {
		deadline = t
	}
	return &BudgetNode{name: name, deadline: deadline, parent: b}
}

// DeriveCeiling creates a child bounded by both an allocated share and a
// fixed per-lane ceiling: deadline = min(now+share, now+ceiling, parent).
func (b *BudgetNode) DeriveCeiling(name string, share, ceiling time.Duration) *BudgetNode {
	d := share
	if ceiling < d {
		d = ceiling
	}
	return b.Derive(name, d)
}

// Name returns the node's label, used in trace events.
func (b *BudgetNode) Name() string { return b.name }

// Deadline returns the node's absolute deadline.
func (b *BudgetNode) Deadline() time.Time { return b.deadline }

// Parent returns the node this one was derived from, nil for the root.
func (b *BudgetNode) Parent() *BudgetNode { return b.parent }

// Remaining returns the time left before the deadline. May be negative.
func (b *BudgetNode) Remaining() time.Duration {
	return b.deadline.Sub(now())
}

// Expired reports whether the node has no remaining budget.
func (b *BudgetNode) Expired() bool {
	return b.Remaining() <= 0
}

// Context derives a context carrying this node's deadline. The caller must
// call the returned cancel function.
func (b *BudgetNode) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, b.deadline)
}
