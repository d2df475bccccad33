// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lanes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
)

// HTTPClient lets tests inject a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebSearcher queries a SearxNG-compatible metasearch endpoint.
//
// # Description
//
// One instance per search endpoint. Outbound calls are rate limited so a
// burst of user queries cannot get the gateway banned by the upstream
// engines; a request that cannot obtain a token within its lane budget fails
// fast instead of queueing.
type WebSearcher struct {
	client  HTTPClient
	baseURL string
	limiter *rate.Limiter
	maxDocs int
}

// WebSearchConfig configures a WebSearcher.
type WebSearchConfig struct {
	// BaseURL is the search endpoint root (e.g. "http://searxng:8080").
	BaseURL string

	// RequestsPerSecond throttles outbound searches. Default: 4.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Default: 2.
	Burst int

	// MaxDocuments caps the parsed result count. Default: 8.
	MaxDocuments int

	// Client overrides the HTTP transport. Nil means a plain http.Client
	// with no client-side timeout; lane budgets bound every call.
	Client HTTPClient
}

// NewWebSearcher builds a searcher for one endpoint.
func NewWebSearcher(cfg WebSearchConfig) (*WebSearcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("web search base URL is required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 4
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = 8
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &WebSearcher{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		maxDocs: cfg.MaxDocuments,
	}, nil
}

// searxResponse is the subset of the SearxNG JSON format the gateway reads.
type searxResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search runs one query. Honors ctx: both the limiter wait and the HTTP call
// abort when the lane budget expires.
func (w *WebSearcher) Search(ctx context.Context, query string) (*datatypes.RetrievalPayload, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("web search rate limit: %w", err)
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	searchURL := w.baseURL + "/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build web search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("web search rate limited upstream (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read web search response: %w", err)
	}

	var parsed searxResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse web search response: %w", err)
	}

	docs := make([]datatypes.Document, 0, min(len(parsed.Results), w.maxDocs))
	for _, r := range parsed.Results {
		if len(docs) >= w.maxDocs {
			break
		}
		if r.URL == "" {
			continue
		}
		docs = append(docs, datatypes.Document{
			Title:   r.Title,
			Source:  r.URL,
			Snippet: r.Content,
			Score:   r.Score,
		})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("web search returned no results")
	}

	return &datatypes.RetrievalPayload{Documents: docs, Backend: "searxng"}, nil
}

// Allow reports whether a token is available right now without consuming the
// caller's budget. Used by the health endpoint.
func (w *WebSearcher) Allow() bool {
	return w.limiter.Tokens() >= 1
}
