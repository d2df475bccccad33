// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"sync"
	"testing"
	"time"
)

// testClock is a settable time source for breaker tests.
type testClock struct {
	mu sync.Mutex
	at time.Time
}

func newTestClock() *testClock {
	return &testClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func newTestBreaker(clock *testClock, config BreakerConfig) *CircuitBreaker {
	config.Clock = clock.Now
	return NewCircuitBreaker("test-dep", config)
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{FailureThreshold: 5, OpenTimeout: 60 * time.Second})

	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("breaker rejected call %d while closed", i)
		}
		cb.RecordFailure()
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("state after 4 failures = %v, want CLOSED", cb.State())
	}

	cb.Allow()
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Fatalf("state after 5 failures = %v, want OPEN", cb.State())
	}
	if cb.Allow() {
		t.Error("open breaker must reject calls")
	}
}

func TestCircuitBreaker_FailureRateMode(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{
		FailureRate:      0.5,
		MinSamples:       10,
		FailureThreshold: 100, // count mode disabled by the rate
	})

	t.Run("below minimum samples never trips", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			cb.Allow()
			cb.RecordFailure()
		}
		if cb.State() != CircuitClosed {
			t.Fatalf("state with 5 samples = %v, want CLOSED", cb.State())
		}
	})

	t.Run("trips once rate reached with enough samples", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			cb.Allow()
			cb.RecordSuccess()
		}
		// 5 failures / 9 attempts, still under MinSamples.
		if cb.State() != CircuitClosed {
			t.Fatalf("state with 9 samples = %v, want CLOSED", cb.State())
		}

		cb.Allow()
		cb.RecordFailure()
		// 6 failures / 10 attempts = 0.6 >= 0.5.
		if cb.State() != CircuitOpen {
			t.Fatalf("state at 60%% failure rate = %v, want OPEN", cb.State())
		}
	})
}

func TestCircuitBreaker_WindowExpiry(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{
		FailureThreshold: 3,
		TrackingWindow:   60 * time.Second,
	})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()

	// Old failures age out of the window before the third arrives.
	clock.Advance(61 * time.Second)
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != CircuitClosed {
		t.Fatalf("state = %v, want CLOSED after window expiry", cb.State())
	}
	if got := cb.Failures(); got != 1 {
		t.Errorf("windowed failures = %d, want 1", got)
	}
}

func TestCircuitBreaker_RecoveryCycle(t *testing.T) {
	clock := newTestClock()
	var transitions []string
	var mu sync.Mutex
	done := make(chan struct{}, 8)

	cb := newTestBreaker(clock, BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		SuccessThreshold: 2,
		OnStateChange: func(name string, from, to CircuitState, at time.Time) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
			done <- struct{}{}
		},
	})

	// Trip the breaker.
	for i := 0; i < 5; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	<-done
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want OPEN", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker must reject before the open timeout")
	}

	// After the open timeout the next call probes.
	clock.Advance(61 * time.Second)
	if !cb.Allow() {
		t.Fatal("breaker must admit a probe after the open timeout")
	}
	<-done
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state after 1 probe success = %v, want HALF_OPEN", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("half-open breaker must admit a second probe")
	}
	cb.RecordSuccess()
	<-done
	if cb.State() != CircuitClosed {
		t.Fatalf("state after %d probe successes = %v, want CLOSED", 2, cb.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
	})

	for i := 0; i < 3; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
	clock.Advance(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected probe admission")
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state after probe failure = %v, want OPEN", cb.State())
	}

	// The failed probe restarts the open timer.
	clock.Advance(15 * time.Second)
	if cb.Allow() {
		t.Error("breaker must stay open until a full open timeout after the probe failure")
	}
	clock.Advance(16 * time.Second)
	if !cb.Allow() {
		t.Error("breaker must probe again after the restarted open timeout")
	}
}

func TestCircuitBreaker_HalfOpenProbeCap(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{
		FailureThreshold:  2,
		OpenTimeout:       10 * time.Second,
		SuccessThreshold:  5,
		MaxHalfOpenProbes: 3,
	})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.Advance(11 * time.Second)

	admitted := 0
	for i := 0; i < 10; i++ {
		if cb.Allow() {
			admitted++
		}
	}
	if admitted != 3 {
		t.Errorf("half-open admitted %d probes, want 3", admitted)
	}
}

func TestCircuitBreaker_ProbeSlotFreedOnSuccess(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{
		FailureThreshold:  2,
		OpenTimeout:       10 * time.Second,
		SuccessThreshold:  5,
		MaxHalfOpenProbes: 3,
	})

	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordFailure()
	clock.Advance(11 * time.Second)

	// Sequential probes each resolve before the next starts: the cap bounds
	// in-flight probes, not total admissions, so all five successes accrue.
	for i := 0; i < 5; i++ {
		if !cb.Allow() {
			t.Fatalf("probe %d refused; a resolved probe must free its slot", i)
		}
		cb.RecordSuccess()
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state = %v after %d sequential probe successes, want CLOSED", cb.State(), 5)
	}
}

func TestCircuitBreaker_RejectingLeavesProbeBudget(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{
		FailureThreshold:  1,
		OpenTimeout:       10 * time.Second,
		MaxHalfOpenProbes: 2,
	})

	if cb.Rejecting() {
		t.Error("closed breaker must not report rejecting")
	}
	cb.Allow()
	cb.RecordFailure()
	if !cb.Rejecting() {
		t.Error("open breaker must report rejecting before the open timeout")
	}

	clock.Advance(11 * time.Second)
	if cb.Rejecting() {
		t.Error("open breaker past its timeout must not report rejecting")
	}
	if cb.State() != CircuitOpen {
		t.Errorf("state = %v, Rejecting must not transition the breaker", cb.State())
	}

	cb.Allow()
	cb.Allow()
	if !cb.Rejecting() {
		t.Error("half-open breaker at its probe cap must report rejecting")
	}
	cb.RecordSuccess()
	if cb.Rejecting() {
		t.Error("half-open breaker with a free slot must not report rejecting")
	}
}

func TestCircuitBreaker_LateSuccessWhileOpenIgnored(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{FailureThreshold: 2, OpenTimeout: 30 * time.Second})

	cb.Allow()
	cb.Allow() // two in-flight calls
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %v, want OPEN", cb.State())
	}

	// A detached call finishing late must not close the circuit.
	cb.RecordSuccess()
	if cb.State() != CircuitOpen {
		t.Errorf("late success changed state to %v, want OPEN", cb.State())
	}
}

func TestCircuitBreaker_ConcurrentRecording(t *testing.T) {
	clock := newTestClock()
	cb := newTestBreaker(clock, BreakerConfig{FailureThreshold: 1000, TrackingWindow: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if cb.Allow() {
					if n%2 == 0 {
						cb.RecordSuccess()
					} else {
						cb.RecordFailure()
					}
				}
			}
		}(i)
	}
	wg.Wait()

	if got := cb.Failures(); got != 250 {
		t.Errorf("failures = %d, want 250", got)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("state = %v, want CLOSED", cb.State())
	}
}

func TestBreakerRegistry(t *testing.T) {
	reg := NewBreakerRegistry(DefaultBreakerConfig())

	t.Run("get returns the same breaker per name", func(t *testing.T) {
		a := reg.Get("openai")
		b := reg.Get("openai")
		if a != b {
			t.Error("registry returned distinct breakers for one dependency")
		}
	})

	t.Run("per-dependency config wins on first creation", func(t *testing.T) {
		cb := reg.GetWithConfig("weaviate", BreakerConfig{FailureThreshold: 2})
		cb.Allow()
		cb.RecordFailure()
		cb.Allow()
		cb.RecordFailure()
		if cb.State() != CircuitOpen {
			t.Errorf("state = %v, want OPEN at custom threshold", cb.State())
		}
	})

	t.Run("snapshots cover every breaker", func(t *testing.T) {
		snaps := reg.Snapshots()
		if len(snaps) != 2 {
			t.Fatalf("snapshot count = %d, want 2", len(snaps))
		}
		states := map[string]string{}
		for _, s := range snaps {
			states[s.Dependency] = s.State
		}
		if states["weaviate"] != "OPEN" {
			t.Errorf("weaviate state = %s, want OPEN", states["weaviate"])
		}
		if states["openai"] != "CLOSED" {
			t.Errorf("openai state = %s, want CLOSED", states["openai"])
		}
	})

	t.Run("reset all closes tripped breakers", func(t *testing.T) {
		reg.ResetAll()
		if got := reg.Get("weaviate").State(); got != CircuitClosed {
			t.Errorf("state after reset = %v, want CLOSED", got)
		}
	})
}
