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
	"strings"
	"testing"
	"time"
)

func failing(name string, err error) Strategy {
	return NewStrategy(name, func(ctx context.Context) (any, error) {
		return nil, err
	})
}

func succeeding(name string, result any) Strategy {
	return NewStrategy(name, func(ctx context.Context) (any, error) {
		return result, nil
	})
}

func TestChain_PrimarySucceeds(t *testing.T) {
	chain := NewChain("web_search",
		ChainEntry{Strategy: succeeding("duckduckgo", "primary-result")},
		ChainEntry{Strategy: failing("searxng", errors.New("should not run"))},
	)

	result, idx, err := chain.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "primary-result" {
		t.Errorf("result = %v, want primary-result", result)
	}
	if idx != 0 {
		t.Errorf("succeeded index = %d, want 0", idx)
	}
}

func TestChain_FallsThroughInOrder(t *testing.T) {
	var order []string
	mk := func(name string, err error) Strategy {
		return NewStrategy(name, func(ctx context.Context) (any, error) {
			order = append(order, name)
			if err != nil {
				return nil, err
			}
			return name, nil
		})
	}

	chain := NewChain("web_search",
		ChainEntry{Strategy: mk("duckduckgo", errors.New("rate limited"))},
		ChainEntry{Strategy: mk("searxng", errors.New("connection refused"))},
		ChainEntry{Strategy: mk("cached_results", nil)},
	)

	result, idx, err := chain.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "cached_results" || idx != 2 {
		t.Errorf("result = %v at index %d, want cached_results at 2", result, idx)
	}
	want := []string{"duckduckgo", "searxng", "cached_results"}
	if len(order) != len(want) {
		t.Fatalf("invocation order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("invocation %d = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestChain_AllFailReportsLastError(t *testing.T) {
	chain := NewChain("synthesis",
		ChainEntry{Strategy: failing("openai", errors.New("401 unauthorized"))},
		ChainEntry{Strategy: failing("local_llm", errors.New("model not loaded"))},
	)

	_, idx, err := chain.Execute(context.Background())
	if err == nil {
		t.Fatal("expected error when every strategy fails")
	}
	if idx != -1 {
		t.Errorf("succeeded index = %d, want -1", idx)
	}
	if !errors.Is(err, ErrExhaustedFallbacks) {
		t.Errorf("error %v does not wrap ErrExhaustedFallbacks", err)
	}
	if !strings.Contains(err.Error(), "model not loaded") {
		t.Errorf("error %q must carry the LAST strategy's failure", err)
	}
	if strings.Contains(err.Error(), "401") {
		t.Errorf("error %q must not surface the primary's failure", err)
	}
}

func TestChain_RetriesBeforeAdvancing(t *testing.T) {
	calls := 0
	flaky := NewStrategy("flaky", func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	chain := NewChain("graph_query",
		ChainEntry{Strategy: flaky, Retries: 2},
		ChainEntry{Strategy: failing("fallback", errors.New("should not run"))},
	)

	result, idx, err := chain.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "ok" || idx != 0 {
		t.Errorf("result = %v at %d, want ok at 0", result, idx)
	}
	if calls != 3 {
		t.Errorf("strategy called %d times, want 3", calls)
	}
}

func TestChain_OpenBreakerSkipsEntry(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	cb.Allow()
	cb.RecordFailure()

	primaryRan := false
	chain := NewChain("vector_search",
		ChainEntry{
			Strategy: NewStrategy("weaviate", func(ctx context.Context) (any, error) {
				primaryRan = true
				return "should not happen", nil
			}),
			Breaker: cb,
		},
		ChainEntry{Strategy: succeeding("keyword_search", "fallback-docs")},
	)

	result, idx, err := chain.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if primaryRan {
		t.Error("strategy behind an open breaker must not be invoked")
	}
	if result != "fallback-docs" || idx != 1 {
		t.Errorf("result = %v at %d, want fallback-docs at 1", result, idx)
	}
}

func TestChain_OpenBreakerEverywhere(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{FailureThreshold: 1, OpenTimeout: time.Hour})
	cb.Allow()
	cb.RecordFailure()

	chain := NewChain("graph_query",
		ChainEntry{Strategy: succeeding("neo4j", "x"), Breaker: cb},
	)

	_, _, err := chain.Execute(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
	if !errors.Is(err, ErrExhaustedFallbacks) {
		t.Errorf("error = %v, want ErrExhaustedFallbacks wrapper", err)
	}
}

func TestChain_BreakerRecordsOncePerAttempt(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{FailureThreshold: 100, TrackingWindow: time.Hour})

	chain := NewChain("web_search",
		ChainEntry{Strategy: failing("duckduckgo", errors.New("boom")), Retries: 2, Breaker: cb},
	)
	chain.Execute(context.Background())

	if got := cb.Failures(); got != 3 {
		t.Errorf("recorded failures = %d, want 3 (one per attempt)", got)
	}
}

func TestChain_StopsAtDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Millisecond))
	defer cancel()

	ran := false
	chain := NewChain("web_search",
		ChainEntry{Strategy: NewStrategy("duckduckgo", func(ctx context.Context) (any, error) {
			ran = true
			return nil, nil
		})},
	)

	_, _, err := chain.Execute(ctx)
	if ran {
		t.Error("no strategy may start after the deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestChain_PanicBecomesError(t *testing.T) {
	chain := NewChain("graph_query",
		ChainEntry{Strategy: NewStrategy("buggy", func(ctx context.Context) (any, error) {
			panic("nil map write")
		})},
		ChainEntry{Strategy: succeeding("backup", "saved")},
	)

	result, idx, err := chain.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result != "saved" || idx != 1 {
		t.Errorf("result = %v at %d, want saved at 1", result, idx)
	}
}

func TestChain_OnAttemptObserver(t *testing.T) {
	var seen []string
	chain := NewChain("synthesis",
		ChainEntry{Strategy: failing("openai", errors.New("503"))},
		ChainEntry{Strategy: succeeding("local_llm", "answer")},
	).OnAttempt(func(index int, strategy string, attempt int, err error) {
		seen = append(seen, fmt.Sprintf("%d:%s:%d:%v", index, strategy, attempt, err != nil))
	})

	chain.Execute(context.Background())

	want := []string{"0:openai:1:true", "1:local_llm:1:false"}
	if len(seen) != len(want) {
		t.Fatalf("attempts = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("attempt %d = %s, want %s", i, seen[i], want[i])
		}
	}
}
