// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package lanes implements the backend clients behind each retrieval lane
// and the fallback strategies the gateway builds over them.
package lanes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
)

// ErrCacheMiss is returned when no stored entry exists for a key.
var ErrCacheMiss = errors.New("cache miss")

// CacheConfig holds configuration for the gateway's embedded result cache.
type CacheConfig struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// ResultTTL bounds how long retrieval payloads stay servable.
	// Default: 15 minutes.
	ResultTTL time.Duration

	// AnswerTTL bounds how long synthesized answers stay servable.
	// Default: 1 hour.
	AnswerTTL time.Duration

	// Logger is the logger for store operations. Nil disables Badger's
	// internal logging entirely.
	Logger *slog.Logger
}

// DefaultCacheConfig returns sensible defaults for production use.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ResultTTL: 15 * time.Minute,
		AnswerTTL: time.Hour,
	}
}

// InMemoryCacheConfig returns configuration optimized for testing.
func InMemoryCacheConfig() CacheConfig {
	cfg := DefaultCacheConfig()
	cfg.InMemory = true
	return cfg
}

// Cache is the embedded store behind the "cached results" and "cached
// response" fallback tiers.
//
// # Description
//
// Retrieval payloads and synthesized answers are stored per query under a
// TTL, populated both on successful primary-path completions and by late
// completions of abandoned lanes. Reads are local (~100µs), so the cache
// lane runs under a 10ms ceiling.
//
// # Thread Safety
//
// Safe for concurrent use; Badger serializes internally.
type Cache struct {
	db     *badger.DB
	config CacheConfig
	logger *slog.Logger
}

// OpenCache opens (or creates) the cache store.
func OpenCache(cfg CacheConfig) (*Cache, error) {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 15 * time.Minute
	}
	if cfg.AnswerTTL <= 0 {
		cfg.AnswerTTL = time.Hour
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("cache path is required unless InMemory is set")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		opts = badger.DefaultOptions(filepath.Clean(cfg.Path))
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{db: db, config: cfg, logger: logger}, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.db.Close()
}

func resultKey(lane, query string) []byte {
	return []byte("results\x00" + lane + "\x00" + query)
}

func answerKey(query string) []byte {
	return []byte("answer\x00" + query)
}

// PutResults stores one lane's retrieval payload for a query.
func (c *Cache) PutResults(lane, query string, payload *datatypes.RetrievalPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cached results: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(resultKey(lane, query), raw).WithTTL(c.config.ResultTTL)
		return txn.SetEntry(entry)
	})
}

// GetResults loads a lane's stored payload for a query. The returned payload
// is always marked FromCache.
func (c *Cache) GetResults(lane, query string) (*datatypes.RetrievalPayload, error) {
	var payload datatypes.RetrievalPayload
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(lane, query))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &payload)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cached results: %w", err)
	}
	payload.FromCache = true
	return &payload, nil
}

// PutAnswer stores a synthesized answer for a query.
func (c *Cache) PutAnswer(query string, payload *datatypes.SynthesisPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cached answer: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(answerKey(query), raw).WithTTL(c.config.AnswerTTL)
		return txn.SetEntry(entry)
	})
}

// GetAnswer loads the stored answer for a query, marked FromCache.
func (c *Cache) GetAnswer(query string) (*datatypes.SynthesisPayload, error) {
	var payload datatypes.SynthesisPayload
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(answerKey(query))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &payload)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cached answer: %w", err)
	}
	payload.FromCache = true
	return &payload, nil
}

// Absorb stores a late lane completion. Wired as the lane executor's
// background hook, so it must swallow its own failures.
func (c *Cache) Absorb(query string) func(lane string, data any) {
	return func(lane string, data any) {
		var err error
		switch p := data.(type) {
		case *datatypes.RetrievalPayload:
			if !p.FromCache {
				err = c.PutResults(lane, query, p)
			}
		case *datatypes.SynthesisPayload:
			if !p.FromCache {
				err = c.PutAnswer(query, p)
			}
		}
		if err != nil {
			c.logger.Warn("late cache population failed", "lane", lane, "error", err)
		} else {
			c.logger.Debug("cache populated from late completion", "lane", lane)
		}
	}
}
