// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, merges it over DefaultConfig, applies the
// service-URL environment overrides, and validates the result. An empty
// path skips the file read.
func Load(path string) (GatewayConfig, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse the config file: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides lets container environments point backends somewhere
// else without editing the config file. Values are trimmed of quotes in
// case the container runtime passes them literally.
func applyEnvOverrides(cfg *GatewayConfig) {
	if v := envValue("SEARXNG_SERVICE_URL"); v != "" {
		cfg.Backends.SearxNG.BaseURL = v
	}
	if v := envValue("GRAPH_SERVICE_URL"); v != "" {
		cfg.Backends.Graph.BaseURL = v
	}
	if v := envValue("WEAVIATE_SERVICE_URL"); v != "" {
		if parsed, err := url.Parse(v); err == nil && parsed.Scheme != "" && parsed.Host != "" {
			cfg.Backends.Weaviate.Host = parsed.Host
			cfg.Backends.Weaviate.Scheme = parsed.Scheme
		}
	}
	if v := envValue("GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func envValue(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// LoadOrCreate behaves like Load but writes the defaults to path on first
// run so operators have a file to edit.
func LoadOrCreate(path string) (GatewayConfig, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeDefault(path); err != nil {
			return DefaultConfig(), err
		}
	}
	return Load(path)
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
