package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LocalLlamaCppClient is the last live synthesis tier before the cached
// response fallback: a llama.cpp server on the same host.
type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
}

type localCompletionPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type localCompletionResponse struct {
	Content string `json:"content"`
}

func NewLocalLlamaCppClient(baseURL string) (*LocalLlamaCppClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("llama.cpp base URL not configured")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &LocalLlamaCppClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
	}, nil
}

// ModelName implements the Client interface
func (l *LocalLlamaCppClient) ModelName() string { return "llama.cpp" }

// Generate implements the Client interface
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	payload := localCompletionPayload{Prompt: prompt, NPredict: 512}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	} else {
		defaultTemperature := float32(0.2)
		payload.Temperature = &defaultTemperature
	}
	if params.TopK != nil {
		payload.TopK = params.TopK
	}
	if params.TopP != nil {
		payload.TopP = params.TopP
	}
	if len(params.Stop) > 0 {
		payload.Stop = params.Stop
	}

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal the payload: %w", err)
	}

	completionURL := l.baseURL + "/completion"
	slog.Debug("Calling llama.cpp completion", "url", completionURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, completionURL, bytes.NewReader(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to build the llama.cpp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make a request to the llm: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read the llm's response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama.cpp returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out localCompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse the llm response: %w", err)
	}
	return out.Content, nil
}
