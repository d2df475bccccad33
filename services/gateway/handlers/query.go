// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the gateway's HTTP surface.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
	"github.com/archipelago-ai/archipelago/services/gateway/engine"
	"github.com/archipelago-ai/archipelago/services/gateway/resilience"
)

var queryTracer = otel.Tracer("archipelago.gateway.handlers")

// HandleQuery answers POST /v1/query.
//
// # Description
//
// Binds the request, hands it to the engine, and writes the envelope. The
// engine never fails outright, so the handler always has an envelope to
// return: a fully degraded request maps to 503 with the envelope as the
// body, everything else to 200. Client disconnects cancel the request
// context, which the engine propagates to every running lane.
func HandleQuery(eng *engine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := queryTracer.Start(c.Request.Context(), "HandleQuery")
		defer span.End()

		var req datatypes.QueryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("rejected malformed query request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: query is required"})
			return
		}
		span.SetAttributes(
			attribute.String("query.class", string(datatypes.ParseQueryClass(req.Class))),
			attribute.String("session_id", req.SessionID),
		)

		envelope := eng.Answer(ctx, req)
		span.SetAttributes(
			attribute.String("envelope.status", string(envelope.Status)),
			attribute.Float64("envelope.confidence", envelope.Confidence),
		)

		status := http.StatusOK
		if envelope.Status == datatypes.StatusError {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, envelope)
	}
}

// LaneInfo is the lane configuration block reported by /healthz.
type LaneInfo struct {
	Name       string `json:"name"`
	CeilingMs  int64  `json:"ceiling_ms"`
	BestEffort bool   `json:"best_effort"`
}

// healthResponse is the GET /healthz body.
type healthResponse struct {
	Status   string                       `json:"status"`
	Breakers []resilience.BreakerSnapshot `json:"breakers"`
	Lanes    []LaneInfo                   `json:"lanes,omitempty"`
}

// HealthCheck answers GET /healthz with overall liveness, the current state
// of every circuit breaker, and the active lane configuration. Overall
// status is "degraded" when any breaker is open, "ok" otherwise.
func HealthCheck(registry *resilience.BreakerRegistry, lanes []LaneInfo) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshots := registry.Snapshots()
		status := "ok"
		for _, snap := range snapshots {
			if snap.State == resilience.CircuitOpen.String() {
				status = "degraded"
				break
			}
		}
		c.JSON(http.StatusOK, healthResponse{Status: status, Breakers: snapshots, Lanes: lanes})
	}
}
