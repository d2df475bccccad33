package resilience

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
//
// # States
//
//   - Closed: Normal operation, requests flow through
//   - Open: Circuit tripped, requests are rejected immediately
//   - HalfOpen: Testing if the dependency recovered, limited probes allowed
//
// # State Diagram
//
//	   ┌─────────────────────────────────────┐
//	   │                                     │
//	   ▼                                     │
//	CLOSED ──[failure threshold]──► OPEN ───┘
//	   ▲                              │
//	   │                              │
//	   └──[success threshold]◄── HALF_OPEN ◄──[open timeout]
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and requests are rejected.
	CircuitOpen

	// CircuitHalfOpen means we're testing if the dependency has recovered.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// GaugeValue maps the state onto the metric encoding
// (0=CLOSED, 1=OPEN, 2=HALF_OPEN).
func (s CircuitState) GaugeValue() float64 {
	return float64(s)
}

// BreakerConfig configures circuit breaker behavior for one dependency.
//
// # Description
//
// Controls how the breaker responds to failures and probes recovery. Loaded
// once at process start; changing thresholds requires a restart.
//
// # Example
//
//	config := BreakerConfig{
//	    FailureThreshold:  5,                // open after 5 failures in the window
//	    OpenTimeout:       60 * time.Second, // stay open for 60s
//	    SuccessThreshold:  2,                // close after 2 consecutive probe successes
//	    MaxHalfOpenProbes: 3,                // at most 3 probes before a transition
//	}
type BreakerConfig struct {
	// FailureThreshold is the failure count within TrackingWindow that opens
	// the circuit. Used when FailureRate is zero. Default: 5
	FailureThreshold int

	// FailureRate, when non-zero, opens the circuit when
	// failures/attempts within TrackingWindow reaches this ratio
	// (e.g. 0.5 for LLM providers, 0.2 for a database).
	// Requires at least MinSamples attempts in the window.
	FailureRate float64

	// MinSamples is the minimum number of attempts in the window before
	// FailureRate applies. Default: 10
	MinSamples int

	// TrackingWindow is the rolling window over which failures are counted.
	// Default: 60 seconds
	TrackingWindow time.Duration

	// OpenTimeout is how long to stay open before trying half-open.
	// Default: 30 seconds
	OpenTimeout time.Duration

	// SuccessThreshold is consecutive probe successes to close from half-open.
	// Default: 2
	SuccessThreshold int

	// MaxHalfOpenProbes bounds how many calls are let through while half-open
	// before a transition resolves the probe. Default: 3
	MaxHalfOpenProbes int

	// OnStateChange is called on every state transition.
	// Called asynchronously to avoid blocking the caller.
	OnStateChange func(name string, from, to CircuitState, at time.Time)

	// Clock overrides the time source. Tests use this to step through
	// open-timeout recovery without sleeping. Nil means time.Now.
	Clock func() time.Time
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		MinSamples:        10,
		TrackingWindow:    60 * time.Second,
		OpenTimeout:       30 * time.Second,
		SuccessThreshold:  2,
		MaxHalfOpenProbes: 3,
	}
}

// attempt is one recorded call outcome inside the tracking window.
type attempt struct {
	at time.Time
	ok bool
}

// CircuitBreaker implements the circuit breaker pattern for one dependency.
//
// # Description
//
// One long-lived instance exists per dependency name, shared across all
// concurrent requests probing that dependency. Prevents cascading failures by
// rejecting calls to a dependency that has exceeded its failure threshold,
// then probes recovery after OpenTimeout.
//
// # Contract
//
// Allow() must be called before attempting the dependency; exactly one of
// RecordSuccess/RecordFailure must follow each attempt that Allow permitted.
//
// # Thread Safety
//
// CircuitBreaker is safe for concurrent use; all state mutations happen under
// a single mutex.
type CircuitBreaker struct {
	name        string
	config      BreakerConfig
	state       CircuitState
	attempts    []attempt
	successes   int
	probes      int
	lastFailure time.Time
	clock       func() time.Time
	mu          sync.Mutex
}

// NewCircuitBreaker creates a breaker in the closed state.
//
// # Inputs
//
//   - name: Dependency name (e.g. "openai", "weaviate", "cache")
//   - config: Breaker configuration; zero values get defaults
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.MinSamples <= 0 {
		config.MinSamples = 10
	}
	if config.TrackingWindow <= 0 {
		config.TrackingWindow = 60 * time.Second
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.MaxHalfOpenProbes <= 0 {
		config.MaxHalfOpenProbes = 3
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
		clock:  clock,
	}
}

// Name returns the dependency name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a call to the dependency may be attempted.
//
// # Description
//
// In CLOSED every call passes. In OPEN calls are rejected until OpenTimeout
// has elapsed since the last failure, at which point the breaker moves to
// HALF_OPEN and admits up to MaxHalfOpenProbes probe calls. Each true return
// obligates the caller to exactly one RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true

	case CircuitOpen:
		if cb.clock().Sub(cb.lastFailure) >= cb.config.OpenTimeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.successes = 0
			cb.probes = 1
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.probes < cb.config.MaxHalfOpenProbes {
			cb.probes++
			return true
		}
		return false

	default:
		return false
	}
}

// Rejecting reports whether Allow would currently refuse a call, without
// consuming a half-open probe slot. Callers that only need to route around a
// bad dependency (rather than attempt it) must use this instead of Allow, so
// the probe budget stays with the code path that records an outcome.
func (cb *CircuitBreaker) Rejecting() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		return cb.clock().Sub(cb.lastFailure) < cb.config.OpenTimeout
	case CircuitHalfOpen:
		return cb.probes >= cb.config.MaxHalfOpenProbes
	default:
		return false
	}
}

// RecordSuccess records a successful call to the dependency.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.record(true)
	case CircuitHalfOpen:
		cb.successes++
		// The probe this success resolves no longer holds a slot.
		if cb.probes > 0 {
			cb.probes--
		}
		if cb.successes >= cb.config.SuccessThreshold {
			cb.attempts = nil
			cb.transitionTo(CircuitClosed)
		}
	case CircuitOpen:
		// A detached call that finished after the circuit reopened.
		// Nothing to record; recovery is probed via half-open.
	}
}

// RecordFailure records a failed call to the dependency.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.clock()

	switch cb.state {
	case CircuitClosed:
		cb.record(false)
		if cb.tripped() {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure while half-open immediately reopens.
		cb.transitionTo(CircuitOpen)
	case CircuitOpen:
		// Late failure from a detached call; lastFailure already advanced.
	}
}

// record appends an outcome and prunes the rolling window. Caller holds mu.
func (cb *CircuitBreaker) record(ok bool) {
	t := cb.clock()
	cb.attempts = append(cb.attempts, attempt{at: t, ok: ok})
	cutoff := t.Add(-cb.config.TrackingWindow)
	i := 0
	for i < len(cb.attempts) && cb.attempts[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.attempts = cb.attempts[i:]
	}
}

// tripped reports whether the windowed failures meet the configured
// threshold. Caller holds mu.
func (cb *CircuitBreaker) tripped() bool {
	failures := 0
	for _, a := range cb.attempts {
		if !a.ok {
			failures++
		}
	}
	if cb.config.FailureRate > 0 {
		total := len(cb.attempts)
		if total < cb.config.MinSamples {
			return false
		}
		return float64(failures)/float64(total) >= cb.config.FailureRate
	}
	return failures >= cb.config.FailureThreshold
}

// transitionTo changes state and fires the transition callback. Caller holds mu.
func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}

	old := cb.state
	cb.state = state

	switch state {
	case CircuitOpen:
		cb.successes = 0
		cb.probes = 0
	case CircuitClosed:
		cb.successes = 0
		cb.probes = 0
	}

	if cb.config.OnStateChange != nil {
		// Call callback without holding the lock to prevent deadlocks.
		at := cb.clock()
		go cb.config.OnStateChange(cb.name, old, state, at)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the failure count within the current tracking window.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	n := 0
	for _, a := range cb.attempts {
		if !a.ok {
			n++
		}
	}
	return n
}

// Reset forces the circuit to closed state, clearing all counters. Use when
// the dependency is known to have been fixed externally.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = CircuitClosed
	cb.attempts = nil
	cb.successes = 0
	cb.probes = 0

	if old != CircuitClosed && cb.config.OnStateChange != nil {
		at := cb.clock()
		go cb.config.OnStateChange(cb.name, old, CircuitClosed, at)
	}
}

// BreakerSnapshot is a point-in-time view of one breaker, exposed by the
// health endpoint.
type BreakerSnapshot struct {
	Dependency  string    `json:"dependency"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Snapshot returns the breaker's current externally visible state.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	n := 0
	for _, a := range cb.attempts {
		if !a.ok {
			n++
		}
	}
	return BreakerSnapshot{
		Dependency:  cb.name,
		State:       cb.state.String(),
		Failures:    n,
		LastFailure: cb.lastFailure,
	}
}

// =============================================================================
// Registry
// =============================================================================

// BreakerRegistry manages the process-wide breakers, one per dependency name.
//
// # Description
//
// Breakers must outlive requests: health is shared across all requests
// probing the same dependency. The registry creates breakers on demand with
// the default configuration, or with a per-dependency configuration when one
// was loaded at startup.
//
// # Thread Safety
//
// BreakerRegistry is safe for concurrent use.
type BreakerRegistry struct {
	defaultConfig BreakerConfig
	breakers      map[string]*CircuitBreaker
	mu            sync.RWMutex
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(defaultConfig BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a dependency, creating it with the default
// configuration if needed.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cb = NewCircuitBreaker(name, r.defaultConfig)
	r.breakers[name] = cb
	return cb
}

// GetWithConfig returns the breaker for a dependency, creating it with the
// given configuration if it does not exist yet.
func (r *BreakerRegistry) GetWithConfig(name string, config BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	cb := NewCircuitBreaker(name, config)
	r.breakers[name] = cb
	return cb
}

// Snapshots returns the current state of every registered breaker.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Snapshot())
	}
	return out
}

// ResetAll resets every breaker in the registry.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
