// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config defines the gateway's YAML configuration surface.
//
// Every tunable of the resilience core lives here: the per-class time
// budgets, the per-lane ceilings, the per-dependency circuit breaker
// settings, and the backend endpoints. DefaultConfig returns a working
// single-host setup; Load merges a YAML file over those defaults.
package config

import (
	"github.com/go-playground/validator/v10"
)

// gatewayValidate is the shared validator for config structs.
var gatewayValidate = validator.New()

// GatewayConfig is the root configuration for the query gateway.
type GatewayConfig struct {
	Server    ServerConfig              `yaml:"server"`
	Backends  BackendsConfig            `yaml:"backends"`
	Budgets   map[string]BudgetConfig   `yaml:"budgets" validate:"required,min=1"`
	Lanes     []LaneSettings            `yaml:"lanes" validate:"required,min=1,dive"`
	Synthesis SynthesisSettings         `yaml:"synthesis"`
	Breakers  map[string]BreakerSetting `yaml:"breakers" validate:"dive"`
	Cache     CacheSettings             `yaml:"cache"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Logging   LoggingConfig             `yaml:"logging"`
}

type ServerConfig struct {
	Port            int `yaml:"port" validate:"gte=1,lte=65535"`
	ShutdownGraceMs int `yaml:"shutdown_grace_ms" validate:"gte=0"`
}

// BackendsConfig holds the endpoints for every external dependency. An empty
// URL disables that backend; its lane entries and synthesis tiers are simply
// not built.
type BackendsConfig struct {
	SearxNG  SearxNGConfig  `yaml:"searxng"`
	Weaviate WeaviateConfig `yaml:"weaviate"`
	Graph    GraphConfig    `yaml:"graph"`
	Models   ModelsConfig   `yaml:"models"`
}

type SearxNGConfig struct {
	BaseURL           string  `yaml:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
	MaxDocuments      int     `yaml:"max_documents" validate:"gte=0"`
}

type WeaviateConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme" validate:"omitempty,oneof=http https"`
	Limit  int    `yaml:"limit" validate:"gte=0"`
}

type GraphConfig struct {
	BaseURL string `yaml:"base_url"`
	Limit   int    `yaml:"limit" validate:"gte=0"`
}

// ModelsConfig selects the synthesis tiers. Primary is tried first, then
// Secondary, then Local, then the cached-answer store.
type ModelsConfig struct {
	Primary   ModelEndpoint `yaml:"primary"`
	Secondary ModelEndpoint `yaml:"secondary"`
	Local     ModelEndpoint `yaml:"local"`
}

// ModelEndpoint names one model backend.
// Type is "openai", "ollama", or "llamacpp".
type ModelEndpoint struct {
	Type    string `yaml:"type" validate:"omitempty,oneof=openai ollama llamacpp"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

// Enabled reports whether this endpoint is configured at all.
func (m ModelEndpoint) Enabled() bool {
	return m.Type != ""
}

// BudgetConfig is the total wall-clock budget for one query class and the
// slice of it held back for response assembly.
type BudgetConfig struct {
	TotalMs   int `yaml:"total_ms" validate:"gt=0"`
	ReserveMs int `yaml:"reserve_ms" validate:"gte=0"`
}

// LaneSettings configures one retrieval lane.
type LaneSettings struct {
	Name       string `yaml:"name" validate:"required"`
	CeilingMs  int    `yaml:"ceiling_ms" validate:"gt=0"`
	BestEffort bool   `yaml:"best_effort"`
}

type SynthesisSettings struct {
	CeilingMs int `yaml:"ceiling_ms" validate:"gt=0"`
}

// BreakerSetting configures the circuit breaker for one dependency.
// FailureRate of 0 selects consecutive-count mode.
type BreakerSetting struct {
	FailureThreshold  int     `yaml:"failure_threshold" validate:"gte=0"`
	FailureRate       float64 `yaml:"failure_rate" validate:"gte=0,lte=1"`
	MinSamples        int     `yaml:"min_samples" validate:"gte=0"`
	WindowS           int     `yaml:"window_s" validate:"gte=0"`
	OpenTimeoutS      int     `yaml:"open_timeout_s" validate:"gte=0"`
	SuccessThreshold  int     `yaml:"success_threshold" validate:"gte=0"`
	MaxHalfOpenProbes int     `yaml:"max_half_open_probes" validate:"gte=0"`
}

type CacheSettings struct {
	Path         string `yaml:"path"`
	InMemory     bool   `yaml:"in_memory"`
	ResultTTLMin int    `yaml:"result_ttl_min" validate:"gte=0"`
	AnswerTTLMin int    `yaml:"answer_ttl_min" validate:"gte=0"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Validate checks the configuration against its struct tags plus the
// cross-field rules tags cannot express.
func (c *GatewayConfig) Validate() error {
	if err := gatewayValidate.Struct(c); err != nil {
		return err
	}
	for class, budget := range c.Budgets {
		if budget.ReserveMs >= budget.TotalMs {
			return &InvalidBudgetError{Class: class, TotalMs: budget.TotalMs, ReserveMs: budget.ReserveMs}
		}
	}
	return nil
}

// InvalidBudgetError reports a reserve that consumes the whole budget.
type InvalidBudgetError struct {
	Class     string
	TotalMs   int
	ReserveMs int
}

func (e *InvalidBudgetError) Error() string {
	return "budget for class " + e.Class + ": reserve must be smaller than total"
}

// DefaultConfig returns a working single-host configuration with every
// backend pointed at its conventional local port.
func DefaultConfig() GatewayConfig {
	return GatewayConfig{
		Server: ServerConfig{
			Port:            8080,
			ShutdownGraceMs: 5000,
		},
		Backends: BackendsConfig{
			SearxNG: SearxNGConfig{
				BaseURL:           "http://localhost:8888",
				RequestsPerSecond: 4,
				Burst:             2,
				MaxDocuments:      8,
			},
			Weaviate: WeaviateConfig{
				Host:   "localhost:8081",
				Scheme: "http",
				Limit:  8,
			},
			Graph: GraphConfig{
				BaseURL: "http://localhost:7200",
				Limit:   8,
			},
			Models: ModelsConfig{
				Primary:   ModelEndpoint{Type: "openai", Model: "gpt-4o-mini"},
				Secondary: ModelEndpoint{Type: "ollama", BaseURL: "http://localhost:11434", Model: "llama3.1:8b"},
				Local:     ModelEndpoint{Type: "llamacpp", BaseURL: "http://localhost:8082"},
			},
		},
		Budgets: map[string]BudgetConfig{
			"simple":     {TotalMs: 5000, ReserveMs: 500},
			"technical":  {TotalMs: 7000, ReserveMs: 700},
			"research":   {TotalMs: 7000, ReserveMs: 700},
			"multimedia": {TotalMs: 10000, ReserveMs: 900},
		},
		Lanes: []LaneSettings{
			{Name: "web_search", CeilingMs: 1000},
			{Name: "vector_search", CeilingMs: 1000},
			{Name: "keyword_search", CeilingMs: 1000, BestEffort: true},
			{Name: "knowledge_graph", CeilingMs: 1000, BestEffort: true},
		},
		Synthesis: SynthesisSettings{CeilingMs: 1000},
		Breakers: map[string]BreakerSetting{
			"searxng":  {FailureThreshold: 5, WindowS: 60, OpenTimeoutS: 30, SuccessThreshold: 2, MaxHalfOpenProbes: 3},
			"weaviate": {FailureThreshold: 5, WindowS: 60, OpenTimeoutS: 30, SuccessThreshold: 2, MaxHalfOpenProbes: 3},
			"graph":    {FailureThreshold: 5, WindowS: 60, OpenTimeoutS: 30, SuccessThreshold: 2, MaxHalfOpenProbes: 3},
			"cache":    {FailureThreshold: 10, WindowS: 60, OpenTimeoutS: 10, SuccessThreshold: 1, MaxHalfOpenProbes: 3},
		},
		Cache: CacheSettings{
			Path:         "~/.archipelago/cache",
			ResultTTLMin: 15,
			AnswerTTLMin: 60,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
