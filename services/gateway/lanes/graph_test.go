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
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGraphSearcher_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/entities/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req graphQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Query != "fjord" || req.Limit != 8 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"entities": []map[string]any{
				{"name": "Fjord", "uri": "kg:fjord", "description": "glacial inlet", "relevance": 0.93},
			},
		})
	}))
	defer srv.Close()

	gs, err := NewGraphSearcher(srv.URL, 0, nil)
	if err != nil {
		t.Fatalf("NewGraphSearcher failed: %v", err)
	}

	payload, err := gs.Search(context.Background(), "fjord")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if payload.Backend != "graph" {
		t.Errorf("backend = %s", payload.Backend)
	}
	if len(payload.Documents) != 1 || payload.Documents[0].Source != "kg:fjord" {
		t.Errorf("documents = %+v", payload.Documents)
	}
}

func TestGraphSearcher_EmptyResultIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"entities": []any{}})
	}))
	defer srv.Close()

	gs, _ := NewGraphSearcher(srv.URL, 0, nil)
	if _, err := gs.Search(context.Background(), "q"); err == nil {
		t.Error("expected error so the fallback chain advances")
	}
}

func TestParsePassages(t *testing.T) {
	data := map[string]any{
		"Get": map[string]any{
			PassageClassName: []any{
				map[string]any{
					"title":       "Fjord",
					"url":         "https://example.com/fjord",
					"content":     "a glacial inlet",
					"_additional": map[string]any{"certainty": 0.91},
				},
				map[string]any{"title": "empty"}, // no url or content: dropped
				"not a map",                     // malformed: dropped
			},
		},
	}

	docs := parsePassages(data)
	if len(docs) != 1 {
		t.Fatalf("docs = %d, want 1", len(docs))
	}
	if docs[0].Source != "https://example.com/fjord" || docs[0].Score != 0.91 {
		t.Errorf("doc = %+v", docs[0])
	}

	if got := parsePassages(map[string]any{}); got != nil {
		t.Errorf("parsePassages on empty data = %v, want nil", got)
	}
}
