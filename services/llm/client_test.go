package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaClient_Generate(t *testing.T) {
	t.Run("returns the model response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/generate" {
				t.Errorf("path = %s, want /api/generate", r.URL.Path)
			}
			var req ollamaGenerateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.Stream {
				t.Error("gateway calls must not stream")
			}
			if req.Model != "llama3.1:8b" {
				t.Errorf("model = %s, want llama3.1:8b", req.Model)
			}
			json.NewEncoder(w).Encode(ollamaGenerateResponse{
				Model:    req.Model,
				Response: "a fjord is a glacial inlet",
				Done:     true,
			})
		}))
		defer srv.Close()

		client, err := NewOllamaClient(srv.URL, "llama3.1:8b")
		if err != nil {
			t.Fatalf("NewOllamaClient failed: %v", err)
		}

		got, err := client.Generate(context.Background(), "what is a fjord", GenerationParams{})
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if got != "a fjord is a glacial inlet" {
			t.Errorf("response = %q", got)
		}
	})

	t.Run("surfaces non-200 responses", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not found", http.StatusNotFound)
		}))
		defer srv.Close()

		client, _ := NewOllamaClient(srv.URL, "missing")
		if _, err := client.Generate(context.Background(), "q", GenerationParams{}); err == nil {
			t.Error("expected error for a 404 response")
		}
	})

	t.Run("honors context deadline", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(2 * time.Second)
		}))
		defer srv.Close()

		client, _ := NewOllamaClient(srv.URL, "m")
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		start := time.Now()
		_, err := client.Generate(ctx, "q", GenerationParams{})
		if err == nil {
			t.Fatal("expected deadline error")
		}
		if time.Since(start) > time.Second {
			t.Error("Generate must return promptly at the deadline")
		}
	})

	t.Run("rejects empty base URL", func(t *testing.T) {
		if _, err := NewOllamaClient("", "m"); err == nil {
			t.Error("expected error for empty base URL")
		}
	})
}

func TestLocalLlamaCppClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/completion" {
			t.Errorf("path = %s, want /completion", r.URL.Path)
		}
		var payload localCompletionPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.NPredict != 128 {
			t.Errorf("n_predict = %d, want 128", payload.NPredict)
		}
		json.NewEncoder(w).Encode(localCompletionResponse{Content: "local answer"})
	}))
	defer srv.Close()

	client, err := NewLocalLlamaCppClient(srv.URL)
	if err != nil {
		t.Fatalf("NewLocalLlamaCppClient failed: %v", err)
	}

	maxTokens := 128
	got, err := client.Generate(context.Background(), "q", GenerationParams{MaxTokens: &maxTokens})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got != "local answer" {
		t.Errorf("response = %q, want local answer", got)
	}
}
