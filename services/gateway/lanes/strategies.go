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
	"strings"

	"github.com/archipelago-ai/archipelago/services/gateway/datatypes"
	"github.com/archipelago-ai/archipelago/services/gateway/resilience"
	"github.com/archipelago-ai/archipelago/services/llm"
)

// Lane names as they appear in the response envelope.
const (
	LaneWebSearch      = "web_search"
	LaneVectorSearch   = "vector_search"
	LaneKeywordSearch  = "keyword_search"
	LaneKnowledgeGraph = "knowledge_graph"
)

// Backends aggregates every live client the chain builder draws from.
// Individual backends may be nil; their strategies are then omitted from the
// chains, which shortens the fallback ladder instead of failing startup.
type Backends struct {
	Web     *WebSearcher
	Vector  *VectorSearcher
	Keyword *KeywordSearcher
	Graph   *GraphSearcher
	Cache   *Cache

	PrimaryModel   llm.Client
	SecondaryModel llm.Client
	LocalModel     llm.Client
}

// Builder constructs per-request fallback chains over the shared backends
// and breaker registry.
//
// Chains follow a fixed ladder per capability:
//
//	web_search      = searxng -> cached results -> knowledge base (BM25)
//	vector_search   = weaviate nearText -> BM25 -> cached results
//	keyword_search  = BM25 -> cached results
//	knowledge_graph = graph service -> cached results
//	synthesis       = primary model -> secondary model -> local model -> cached response
type Builder struct {
	Backends Backends
	Breakers *resilience.BreakerRegistry
}

// breakerFor names one dependency in the registry. Model tiers are distinct
// dependencies so an open primary never blocks the secondary.
func (b *Builder) breakerFor(dependency string) *resilience.CircuitBreaker {
	if b.Breakers == nil {
		return nil
	}
	return b.Breakers.Get(dependency)
}

// WebChain builds the web retrieval ladder for one query.
func (b *Builder) WebChain(req datatypes.QueryRequest) *resilience.Chain {
	var entries []resilience.ChainEntry
	if b.Backends.Web != nil {
		entries = append(entries, resilience.ChainEntry{
			Strategy: b.retrievalStrategy("searxng", LaneWebSearch, req.Query, b.Backends.Web.Search),
			Retries:  1,
			Breaker:  b.breakerFor("searxng"),
		})
	}
	entries = append(entries, b.cachedResultsEntry(LaneWebSearch, req.Query))
	if b.Backends.Keyword != nil {
		// Knowledge-base tier: answer from the local corpus when the web
		// is unreachable.
		entries = append(entries, resilience.ChainEntry{
			Strategy: b.retrievalStrategy("knowledge_base", LaneWebSearch, req.Query, b.Backends.Keyword.Search),
			Breaker:  b.breakerFor("weaviate"),
		})
	}
	return resilience.NewChain(LaneWebSearch, entries...)
}

// VectorChain builds the semantic retrieval ladder.
func (b *Builder) VectorChain(req datatypes.QueryRequest) *resilience.Chain {
	var entries []resilience.ChainEntry
	if b.Backends.Vector != nil {
		entries = append(entries, resilience.ChainEntry{
			Strategy: b.retrievalStrategy("weaviate", LaneVectorSearch, req.Query, b.Backends.Vector.Search),
			Breaker:  b.breakerFor("weaviate"),
		})
	}
	if b.Backends.Keyword != nil {
		entries = append(entries, resilience.ChainEntry{
			Strategy: b.retrievalStrategy("bm25", LaneVectorSearch, req.Query, b.Backends.Keyword.Search),
			Breaker:  b.breakerFor("weaviate"),
		})
	}
	entries = append(entries, b.cachedResultsEntry(LaneVectorSearch, req.Query))
	return resilience.NewChain(LaneVectorSearch, entries...)
}

// KeywordChain builds the lexical retrieval ladder.
func (b *Builder) KeywordChain(req datatypes.QueryRequest) *resilience.Chain {
	var entries []resilience.ChainEntry
	if b.Backends.Keyword != nil {
		entries = append(entries, resilience.ChainEntry{
			Strategy: b.retrievalStrategy("bm25", LaneKeywordSearch, req.Query, b.Backends.Keyword.Search),
			Breaker:  b.breakerFor("weaviate"),
		})
	}
	entries = append(entries, b.cachedResultsEntry(LaneKeywordSearch, req.Query))
	return resilience.NewChain(LaneKeywordSearch, entries...)
}

// GraphChain builds the knowledge graph ladder.
func (b *Builder) GraphChain(req datatypes.QueryRequest) *resilience.Chain {
	var entries []resilience.ChainEntry
	if b.Backends.Graph != nil {
		entries = append(entries, resilience.ChainEntry{
			Strategy: b.retrievalStrategy("graph", LaneKnowledgeGraph, req.Query, b.Backends.Graph.Search),
			Breaker:  b.breakerFor("graph"),
		})
	}
	entries = append(entries, b.cachedResultsEntry(LaneKnowledgeGraph, req.Query))
	return resilience.NewChain(LaneKnowledgeGraph, entries...)
}

// SynthesisChain builds the model ladder over the successful retrieval
// outputs.
func (b *Builder) SynthesisChain(req datatypes.QueryRequest, contexts map[string]datatypes.LaneResult) *resilience.Chain {
	prompt := BuildPrompt(req.Query, contexts)

	var entries []resilience.ChainEntry
	for _, tier := range []struct {
		client  llm.Client
		retries int
	}{
		{b.Backends.PrimaryModel, 1},
		{b.Backends.SecondaryModel, 0},
		{b.Backends.LocalModel, 0},
	} {
		if tier.client == nil {
			continue
		}
		entries = append(entries, resilience.ChainEntry{
			Strategy: b.modelStrategy(tier.client, req.Query, prompt),
			Retries:  tier.retries,
			Breaker:  b.breakerFor("llm:" + tier.client.ModelName()),
		})
	}
	if b.Backends.Cache != nil {
		entries = append(entries, resilience.ChainEntry{
			Strategy: resilience.NewStrategy("cached_response", func(ctx context.Context) (any, error) {
				return b.Backends.Cache.GetAnswer(req.Query)
			}),
			Breaker: b.breakerFor("cache"),
		})
	}
	return resilience.NewChain("synthesis", entries...)
}

// retrievalStrategy wraps a backend search and tees successful live payloads
// into the cache without burning lane budget on the write.
func (b *Builder) retrievalStrategy(name, lane, query string, search func(ctx context.Context, query string) (*datatypes.RetrievalPayload, error)) resilience.Strategy {
	return resilience.NewStrategy(name, func(ctx context.Context) (any, error) {
		payload, err := search(ctx, query)
		if err != nil {
			return nil, err
		}
		if b.Backends.Cache != nil && !payload.FromCache {
			go b.Backends.Cache.PutResults(lane, query, payload)
		}
		return payload, nil
	})
}

// cachedResultsEntry is the shared cached-results fallback tier.
func (b *Builder) cachedResultsEntry(lane, query string) resilience.ChainEntry {
	return resilience.ChainEntry{
		Strategy: resilience.NewStrategy("cached_results", func(ctx context.Context) (any, error) {
			if b.Backends.Cache == nil {
				return nil, ErrCacheMiss
			}
			return b.Backends.Cache.GetResults(lane, query)
		}),
		Breaker: b.breakerFor("cache"),
	}
}

// modelStrategy wraps one model tier, caching fresh answers for the
// cached-response tier of later requests.
func (b *Builder) modelStrategy(client llm.Client, query, prompt string) resilience.Strategy {
	return resilience.NewStrategy(client.ModelName(), func(ctx context.Context) (any, error) {
		answer, err := client.Generate(ctx, prompt, llm.GenerationParams{})
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(answer) == "" {
			return nil, fmt.Errorf("model %s returned an empty answer", client.ModelName())
		}
		payload := &datatypes.SynthesisPayload{Answer: answer, Model: client.ModelName()}
		if b.Backends.Cache != nil {
			go b.Backends.Cache.PutAnswer(query, payload)
		}
		return payload, nil
	})
}

// BuildPrompt flattens the successful retrieval outputs into a grounded
// synthesis prompt. Snippets are clipped so a verbose lane cannot blow the
// context window.
func BuildPrompt(query string, contexts map[string]datatypes.LaneResult) string {
	var sb strings.Builder
	sb.WriteString("Answer the question using the context below. Cite sources by URL.\n\n")

	for _, lane := range []string{LaneWebSearch, LaneVectorSearch, LaneKeywordSearch, LaneKnowledgeGraph} {
		r, ok := contexts[lane]
		if !ok {
			continue
		}
		payload, ok := r.Data.(*datatypes.RetrievalPayload)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n", lane)
		for _, doc := range payload.Documents {
			snippet := doc.Snippet
			if len(snippet) > 500 {
				snippet = snippet[:500]
			}
			fmt.Fprintf(&sb, "- %s (%s): %s\n", doc.Title, doc.Source, snippet)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Question: %s\n", query)
	return sb.String()
}
