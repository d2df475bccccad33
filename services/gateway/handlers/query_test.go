// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
	"github.com/archipelago-ai/archipelago/services/gateway/engine"
	"github.com/archipelago-ai/archipelago/services/gateway/resilience"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestEngine wires an engine whose lanes return canned payloads.
func newTestEngine(t *testing.T, retrievalErr, synthesisErr error) *engine.Engine {
	t.Helper()

	retrieval := func(ctx context.Context) (any, error) {
		if retrievalErr != nil {
			return nil, retrievalErr
		}
		return &datatypes.RetrievalPayload{
			Backend: "searxng",
			Documents: []datatypes.Document{
				{Title: "Fjords", Source: "https://example.org/fjords", Snippet: "glacial valleys"},
			},
		}, nil
	}
	synthesis := func(ctx context.Context) (any, error) {
		if synthesisErr != nil {
			return nil, synthesisErr
		}
		return &datatypes.SynthesisPayload{Answer: "a fjord is a glacial valley", Model: "test-model"}, nil
	}

	eng, err := engine.New(engine.Config{
		Budgets: map[datatypes.QueryClass]engine.ClassBudget{
			datatypes.ClassSimple: {Total: 2 * time.Second, Reserve: 300 * time.Millisecond},
		},
		Lanes: []engine.LaneConfig{{
			Name:    "web_search",
			Ceiling: 400 * time.Millisecond,
			NewChain: func(req datatypes.QueryRequest) *resilience.Chain {
				return resilience.NewChain("web_search",
					resilience.ChainEntry{Strategy: resilience.NewStrategy("searxng", retrieval)})
			},
		}},
		Synthesis: engine.SynthesisConfig{
			Ceiling: 400 * time.Millisecond,
			NewChain: func(req datatypes.QueryRequest, contexts map[string]datatypes.LaneResult) *resilience.Chain {
				return resilience.NewChain(engine.SynthesisLane,
					resilience.ChainEntry{Strategy: resilience.NewStrategy("test-model", synthesis)})
			},
		},
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return eng
}

func newTestRouter(t *testing.T, retrievalErr, synthesisErr error) *gin.Engine {
	t.Helper()
	router := gin.New()
	router.POST("/v1/query", HandleQuery(newTestEngine(t, retrievalErr, synthesisErr)))
	return router
}

func postQuery(router *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleQuerySuccess(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	w := postQuery(router, `{"query": "what is a fjord", "class": "simple"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope datatypes.ResponseEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, datatypes.StatusSuccess, envelope.Status)
	assert.Equal(t, "a fjord is a glacial valley", envelope.Response)
	assert.Equal(t, 1.0, envelope.Confidence)
	assert.NotEmpty(t, envelope.TraceID)
	assert.Contains(t, envelope.Citations, "https://example.org/fjords")
}

func TestHandleQueryMissingQuery(t *testing.T) {
	router := newTestRouter(t, nil, nil)

	cases := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"empty query", `{"query": ""}`},
		{"malformed json", `{"query": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := postQuery(router, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleQueryDegradedStillAnswers(t *testing.T) {
	router := newTestRouter(t, errors.New("searxng down"), nil)

	w := postQuery(router, `{"query": "anything"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var envelope datatypes.ResponseEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, datatypes.StatusPartial, envelope.Status)
	assert.NotEmpty(t, envelope.PartialReason)
}

func TestHandleQueryTotalFailureIs503(t *testing.T) {
	router := newTestRouter(t, errors.New("searxng down"), errors.New("model gone"))

	w := postQuery(router, `{"query": "anything"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var envelope datatypes.ResponseEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.Equal(t, datatypes.StatusError, envelope.Status)
	assert.Equal(t, 0.0, envelope.Confidence)
	// The envelope still enumerates every lane outcome.
	assert.Len(t, envelope.LaneResults, 2)
}

func TestHealthCheck(t *testing.T) {
	registry := resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig())
	registry.Get("searxng")
	registry.Get("weaviate")

	router := gin.New()
	router.GET("/healthz", HealthCheck(registry, []LaneInfo{
		{Name: "web_search", CeilingMs: 1000},
		{Name: "knowledge_graph", CeilingMs: 1000, BestEffort: true},
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health struct {
		Status   string `json:"status"`
		Breakers []struct {
			Dependency string `json:"dependency"`
			State      string `json:"state"`
		} `json:"breakers"`
		Lanes []LaneInfo `json:"lanes"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Len(t, health.Breakers, 2)
	for _, b := range health.Breakers {
		assert.Equal(t, "CLOSED", b.State)
	}
	assert.Len(t, health.Lanes, 2)
}

func TestHealthCheckDegradedWhenBreakerOpen(t *testing.T) {
	cfg := resilience.DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	registry := resilience.NewBreakerRegistry(cfg)
	breaker := registry.Get("searxng")
	breaker.RecordFailure()

	router := gin.New()
	router.GET("/healthz", HealthCheck(registry, nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
}
