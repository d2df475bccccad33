// Copyright (C) 2025 Archipelago AI (oss@archipelago-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lanes

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
)

// PassageClassName is the Weaviate class holding the ingested corpus.
const PassageClassName = "Passage"

// passageFields is the field set both Weaviate searchers request.
var passageFields = []graphql.Field{
	{Name: "title"},
	{Name: "url"},
	{Name: "content"},
	{Name: "_additional { certainty }"},
}

// VectorSearcher performs semantic retrieval against Weaviate.
type VectorSearcher struct {
	client *weaviate.Client
	limit  int
}

// NewVectorSearcher creates a searcher over the passage corpus.
func NewVectorSearcher(client *weaviate.Client, limit int) (*VectorSearcher, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client must not be nil")
	}
	if limit <= 0 {
		limit = 8
	}
	return &VectorSearcher{client: client, limit: limit}, nil
}

// Search runs a nearText query for semantically similar passages.
func (v *VectorSearcher) Search(ctx context.Context, query string) (*datatypes.RetrievalPayload, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	nearText := v.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	result, err := v.client.GraphQL().Get().
		WithClassName(PassageClassName).
		WithFields(passageFields...).
		WithNearText(nearText).
		WithLimit(v.limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("vector search error: %s", result.Errors[0].Message)
	}

	docs := parsePassages(graphQLData(result.Data))
	if len(docs) == 0 {
		return nil, fmt.Errorf("vector search returned no passages")
	}
	return &datatypes.RetrievalPayload{Documents: docs, Backend: "weaviate"}, nil
}

// graphQLData converts the Weaviate response map to a plain map[string]any;
// models.JSONObject is a defined type over interface{}, so the map types are
// not directly convertible.
func graphQLData(data map[string]models.JSONObject) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// parsePassages extracts documents from a GraphQL Get response. Malformed
// objects are skipped rather than failing the lane.
func parsePassages(data map[string]any) []datatypes.Document {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := get[PassageClassName].([]any)
	if !ok {
		return nil
	}

	docs := make([]datatypes.Document, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		doc := datatypes.Document{
			Title:   getString(m, "title"),
			Source:  getString(m, "url"),
			Snippet: getString(m, "content"),
		}
		if add, ok := m["_additional"].(map[string]any); ok {
			if certainty, ok := add["certainty"].(float64); ok {
				doc.Score = certainty
			}
		}
		if doc.Source == "" && doc.Snippet == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// getString safely extracts a string from a map.
func getString(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
