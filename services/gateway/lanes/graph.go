// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lanes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
)

// GraphSearcher queries the knowledge graph service over its HTTP API. The
// traversal itself is owned by the graph store; the gateway only consumes
// entity hits.
type GraphSearcher struct {
	client  HTTPClient
	baseURL string
	limit   int
}

// NewGraphSearcher builds a client for the knowledge graph endpoint.
func NewGraphSearcher(baseURL string, limit int, client HTTPClient) (*GraphSearcher, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("knowledge graph base URL is required")
	}
	if limit <= 0 {
		limit = 8
	}
	if client == nil {
		client = &http.Client{}
	}
	return &GraphSearcher{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		limit:   limit,
	}, nil
}

type graphQueryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type graphQueryResponse struct {
	Entities []struct {
		Name        string  `json:"name"`
		URI         string  `json:"uri"`
		Description string  `json:"description"`
		Relevance   float64 `json:"relevance"`
	} `json:"entities"`
}

// Search resolves entities related to the query.
func (g *GraphSearcher) Search(ctx context.Context, query string) (*datatypes.RetrievalPayload, error) {
	raw, err := json.Marshal(graphQueryRequest{Query: query, Limit: g.limit})
	if err != nil {
		return nil, fmt.Errorf("marshal graph query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/entities/search", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("knowledge graph returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read graph response: %w", err)
	}

	var parsed graphQueryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse graph response: %w", err)
	}

	docs := make([]datatypes.Document, 0, len(parsed.Entities))
	for _, e := range parsed.Entities {
		docs = append(docs, datatypes.Document{
			Title:   e.Name,
			Source:  e.URI,
			Snippet: e.Description,
			Score:   e.Relevance,
		})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("knowledge graph returned no entities")
	}
	return &datatypes.RetrievalPayload{Documents: docs, Backend: "graph"}, nil
}
