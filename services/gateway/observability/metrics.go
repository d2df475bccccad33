// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics.
const metricsNamespace = "archipelago"

// Subsystem for gateway metrics.
const gatewaySubsystem = "gateway"

// GatewayMetrics holds all Prometheus metrics for query fan-out operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring lane outcomes,
// breaker health, and end-to-end request latency. Initialize once at startup
// via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe via Prometheus's internal locking.
type GatewayMetrics struct {
	// RequestsTotal counts gateway requests by envelope status.
	// Labels: status (success, partial, error)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures total request duration.
	// Labels: status
	RequestDurationSeconds *prometheus.HistogramVec

	// ActiveRequests tracks requests currently in flight.
	ActiveRequests prometheus.Gauge

	// LaneRequestsTotal counts lane invocations by lane and terminal status.
	// Labels: lane, status (success, timeout, circuit_open, error, skipped)
	LaneRequestsTotal *prometheus.CounterVec

	// LaneDurationSeconds measures per-lane duration.
	// Labels: lane, status
	LaneDurationSeconds *prometheus.HistogramVec

	// FallbackDepth observes which chain entry finally served a lane
	// (0 = primary). Labels: lane
	FallbackDepth *prometheus.HistogramVec

	// BreakerState exposes each breaker's state as a gauge
	// (0 = CLOSED, 1 = OPEN, 2 = HALF_OPEN). Labels: dependency
	BreakerState *prometheus.GaugeVec

	// BreakerTransitionsTotal counts breaker state changes.
	// Labels: dependency, to_state
	BreakerTransitionsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of GatewayMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *GatewayMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call once at application
// startup; a second call panics on duplicate registration.
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = &GatewayMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total gateway requests by envelope status",
			},
			[]string{"status"},
		),

		RequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 7.5, 10, 15},
			},
			[]string{"status"},
		),

		ActiveRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_requests",
				Help:      "Requests currently in flight",
			},
		),

		LaneRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "lane_requests_total",
				Help:      "Lane invocations by lane and terminal status",
			},
			[]string{"lane", "status"},
		),

		LaneDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "lane_duration_seconds",
				Help:      "Per-lane duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 0.8, 1, 1.5, 2},
			},
			[]string{"lane", "status"},
		),

		FallbackDepth: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "fallback_depth",
				Help:      "Which chain entry served a lane (0 = primary)",
				Buckets:   []float64{0, 1, 2, 3, 4},
			},
			[]string{"lane"},
		),

		BreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
			},
			[]string{"dependency"},
		),

		BreakerTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"dependency", "to_state"},
		),
	}

	return DefaultMetrics
}

// RecordRequest records a completed gateway request.
func (m *GatewayMetrics) RecordRequest(status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(status).Inc()
	m.RequestDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordLane records a terminal lane outcome.
func (m *GatewayMetrics) RecordLane(lane, status string, seconds float64, strategyIndex int) {
	m.LaneRequestsTotal.WithLabelValues(lane, status).Inc()
	m.LaneDurationSeconds.WithLabelValues(lane, status).Observe(seconds)
	if strategyIndex >= 0 {
		m.FallbackDepth.WithLabelValues(lane).Observe(float64(strategyIndex))
	}
}

// RecordBreakerTransition updates breaker gauges and counters.
func (m *GatewayMetrics) RecordBreakerTransition(dependency, toState string, stateValue float64) {
	m.BreakerTransitionsTotal.WithLabelValues(dependency, toState).Inc()
	m.BreakerState.WithLabelValues(dependency).Set(stateValue)
}
