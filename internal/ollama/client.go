// Package ollama is a minimal client for the local inference service used
// for summarization and embeddings. Liveness is checked against the model
// listing endpoint; generation and embedding rely on the caller's context
// for cancellation.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://127.0.0.1:11434"

	// probeTimeout bounds the liveness check only; it never applies to
	// generation or embedding calls.
	probeTimeout = 2 * time.Second
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	return &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate runs a non-streaming completion and returns the response text.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("generate: missing model")
	}

	body, err := c.post(ctx, "/api/generate", generateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("generate: decode response: %w", err)
	}
	text := strings.TrimSpace(decoded.Response)
	if text == "" {
		return "", fmt.Errorf("generate: empty response")
	}
	return text, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one fixed-length vector per input string.
func (c *Client) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("embed: missing model")
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("embed: empty input")
	}
	for i, text := range input {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("embed: empty input at index %d", i)
		}
	}

	body, err := c.post(ctx, "/api/embed", embedRequest{Model: model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	var decoded embedResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(decoded.Embeddings) != len(input) {
		return nil, fmt.Errorf("embed: response count mismatch: got %d want %d", len(decoded.Embeddings), len(input))
	}

	dim := 0
	for i, vec := range decoded.Embeddings {
		if len(vec) == 0 {
			return nil, fmt.Errorf("embed: empty vector at index %d", i)
		}
		if dim == 0 {
			dim = len(vec)
		} else if len(vec) != dim {
			return nil, fmt.Errorf("embed: inconsistent dimension at index %d: got %d want %d", i, len(vec), dim)
		}
	}
	return decoded.Embeddings, nil
}

// ModelInfo is one entry from the model listing endpoint.
type ModelInfo struct {
	Name string `json:"name"`
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModels returns the models the service currently serves.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("list models: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list models: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("list models: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded tagsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("list models: decode response: %w", err)
	}
	return decoded.Models, nil
}

// Available is a best-effort reachability probe with a short fixed timeout.
func (c *Client) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := c.ListModels(probeCtx)
	return err == nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
