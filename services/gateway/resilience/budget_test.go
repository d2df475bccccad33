// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"testing"
	"time"
)

// fixedClock pins the package clock to a known instant for the duration of
// the test.
func fixedClock(t *testing.T, at time.Time) {
	t.Helper()
	old := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = old })
}

func TestNewRootBudget(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(t, base)

	root := NewRootBudget("request", 5*time.Second)

	if got := root.Deadline(); !got.Equal(base.Add(5 * time.Second)) {
		t.Errorf("root deadline = %v, want %v", got, base.Add(5*time.Second))
	}
	if root.Parent() != nil {
		t.Error("root budget should have no parent")
	}
	if root.Expired() {
		t.Error("fresh root budget should not be expired")
	}
}

func TestBudgetNode_Derive(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("child deadline never exceeds parent", func(t *testing.T) {
		fixedClock(t, base)
		root := NewRootBudget("request", 2*time.Second)

		child := root.Derive("web_search", 10*time.Second)

		if got := child.Deadline(); !got.Equal(root.Deadline()) {
			t.Errorf("child deadline = %v, want clamped to parent %v", got, root.Deadline())
		}
	})

	t.Run("child with smaller allocation keeps it", func(t *testing.T) {
		fixedClock(t, base)
		root := NewRootBudget("request", 5*time.Second)

		child := root.Derive("db_query", 100*time.Millisecond)

		if got := child.Deadline(); !got.Equal(base.Add(100 * time.Millisecond)) {
			t.Errorf("child deadline = %v, want %v", got, base.Add(100*time.Millisecond))
		}
	})

	t.Run("deriving from an expired parent fails closed", func(t *testing.T) {
		fixedClock(t, base)
		root := NewRootBudget("request", time.Second)

		// Travel past the root deadline and derive.
		fixedClock(t, base.Add(2*time.Second))
		child := root.Derive("late", 500*time.Millisecond)

		if !child.Expired() {
			t.Error("child of an expired parent must be born expired")
		}
		if child.Remaining() != 0 {
			t.Errorf("Remaining = %v, want 0", child.Remaining())
		}
	})

	t.Run("grandchild clamps through the whole chain", func(t *testing.T) {
		fixedClock(t, base)
		root := NewRootBudget("request", 5*time.Second)
		lane := root.Derive("synthesis", time.Second)

		grandchild := lane.Derive("llm_call", 3*time.Second)

		if got := grandchild.Deadline(); !got.Equal(lane.Deadline()) {
			t.Errorf("grandchild deadline = %v, want lane deadline %v", got, lane.Deadline())
		}
	})
}

func TestBudgetNode_DeriveCeiling(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ceiling caps a generous share", func(t *testing.T) {
		fixedClock(t, base)
		root := NewRootBudget("request", 10*time.Second)

		lane := root.DeriveCeiling("cache", 5*time.Second, 10*time.Millisecond)

		if got := lane.Deadline(); !got.Equal(base.Add(10 * time.Millisecond)) {
			t.Errorf("lane deadline = %v, want %v", got, base.Add(10*time.Millisecond))
		}
	})

	t.Run("share below ceiling wins", func(t *testing.T) {
		fixedClock(t, base)
		root := NewRootBudget("request", 10*time.Second)

		lane := root.DeriveCeiling("web_search", 500*time.Millisecond, time.Second)

		if got := lane.Deadline(); !got.Equal(base.Add(500 * time.Millisecond)) {
			t.Errorf("lane deadline = %v, want %v", got, base.Add(500*time.Millisecond))
		}
	})
}

func TestBudgetNode_Remaining(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(t, base)
	root := NewRootBudget("request", 3*time.Second)

	fixedClock(t, base.Add(time.Second))
	if got := root.Remaining(); got != 2*time.Second {
		t.Errorf("Remaining = %v, want 2s", got)
	}

	fixedClock(t, base.Add(5*time.Second))
	if got := root.Remaining(); got != 0 {
		t.Errorf("Remaining after expiry = %v, want 0", got)
	}
	if !root.Expired() {
		t.Error("budget past its deadline must report expired")
	}
}

func TestBudgetNode_Context(t *testing.T) {
	root := NewRootBudget("request", time.Second)

	ctx, cancel := root.Context(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("budget context must carry a deadline")
	}
	if !deadline.Equal(root.Deadline()) {
		t.Errorf("context deadline = %v, want %v", deadline, root.Deadline())
	}
}
