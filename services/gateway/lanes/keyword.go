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

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
)

// KeywordSearcher performs BM25 lexical retrieval against the same passage
// corpus the vector lane searches. Serves both as its own lane and as the
// vector lane's first fallback, since BM25 needs no vectorizer module.
type KeywordSearcher struct {
	client *weaviate.Client
	limit  int
}

// NewKeywordSearcher creates a lexical searcher over the passage corpus.
func NewKeywordSearcher(client *weaviate.Client, limit int) (*KeywordSearcher, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client must not be nil")
	}
	if limit <= 0 {
		limit = 8
	}
	return &KeywordSearcher{client: client, limit: limit}, nil
}

// Search runs a BM25 query.
func (k *KeywordSearcher) Search(ctx context.Context, query string) (*datatypes.RetrievalPayload, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	result, err := k.client.GraphQL().Get().
		WithClassName(PassageClassName).
		WithFields(passageFields...).
		WithBM25(k.client.GraphQL().Bm25ArgBuilder().WithQuery(query)).
		WithLimit(k.limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("keyword search error: %s", result.Errors[0].Message)
	}

	docs := parsePassages(graphQLData(result.Data))
	if len(docs) == 0 {
		return nil, fmt.Errorf("keyword search returned no passages")
	}
	return &datatypes.RetrievalPayload{Documents: docs, Backend: "bm25"}, nil
}
