// Package leak implements the output side of the gateway: semantic
// comparison of reasoning-engine drafts against the protected-record
// corpus, with a fail-closed keyword fallback when the embedding backend
// is unavailable.
package leak

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/securebank-labs/bastion/pkg/httputil"
)

// EmbeddingProvider abstracts the embedding backend. Vectors must come
// from the same space as the corpus embeddings; repeated calls with
// identical input must yield materially identical vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// NewEmbedder creates an EmbeddingProvider for the configured backend.
func NewEmbedder(provider, model, baseURL, apiKey string) (EmbeddingProvider, error) {
	switch provider {
	case "ollama", "":
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		if model == "" {
			model = "embeddinggemma"
		}
		return NewOllamaEmbedder(model, baseURL), nil

	case "openai":
		if apiKey == "" {
			log.Printf("[EMBEDDER] No API key configured, leak detection will run on keyword fallback")
			return nil, fmt.Errorf("openai embedder requires an API key")
		}
		if model == "" {
			model = string(openai.SmallEmbedding3)
		}
		return NewOpenAIEmbedder(apiKey, model, baseURL), nil

	case "none", "noop":
		// No embedder: the detector stays not-ready and every inspection
		// runs the keyword fallback, which is the fail-closed degradation.
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}
}

// =============================================================================
// Ollama embedder (local)
// =============================================================================

// OllamaEmbedder calls a local Ollama server's /api/embeddings endpoint.
type OllamaEmbedder struct {
	model   string
	baseURL string
	client  *http.Client
}

// NewOllamaEmbedder creates an Ollama-backed embedder.
func NewOllamaEmbedder(model, baseURL string) *OllamaEmbedder {
	return &OllamaEmbedder{
		model:   model,
		baseURL: baseURL,
		client:  httputil.MediumClient(),
	}
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := map[string]string{
		"model":  e.model,
		"prompt": text,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if err := httputil.CheckResponse(resp, "ollama embedding"); err != nil {
		return nil, err
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Embedding, nil
}

// Dimension reports the embeddinggemma vector size.
func (e *OllamaEmbedder) Dimension() int {
	return 768
}

// =============================================================================
// OpenAI embedder (cloud)
// =============================================================================

// OpenAIEmbedder uses the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     openai.EmbeddingModel
	dimension int
}

// NewOpenAIEmbedder creates an OpenAI-backed embedder. baseURL may point
// at any OpenAI-compatible endpoint.
func NewOpenAIEmbedder(apiKey, model, baseURL string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httputil.MediumClient()

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(cfg),
		model:     openai.EmbeddingModel(model),
		dimension: 1536,
	}
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

// Dimension returns the embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}
