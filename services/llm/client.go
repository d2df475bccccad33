package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the standard interface for any LLM backend.
type Client interface {
	// Generate produces a completion for the prompt. Must honor ctx
	// cancellation; the gateway runs every call under a lane deadline.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ModelName identifies the backing model for envelope attribution.
	ModelName() string
}
