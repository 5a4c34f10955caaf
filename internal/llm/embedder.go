package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

// HashEmbedder creates deterministic vectors locally by hashing word and
// character trigram features. It needs no external service and is meant
// for development, tests and small curated caches.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hashing embedder producing vectors of the given size
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Dimensions returns the vector size
func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

// Embed implements Embedder. The result is L2-normalised; text without
// any word characters yields the zero vector.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embedding := make([]float32, h.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, word := range words {
		h.add(embedding, "w:"+word, 1.0)

		padded := []rune("^" + word + "$")
		for i := 0; i+3 <= len(padded); i++ {
			h.add(embedding, "t:"+string(padded[i:i+3]), 0.5)
		}
	}
	for i := 0; i+1 < len(words); i++ {
		h.add(embedding, "b:"+words[i]+" "+words[i+1], 0.75)
	}

	var magnitude float64
	for _, val := range embedding {
		magnitude += float64(val) * float64(val)
	}
	if magnitude > 0 {
		norm := float32(1.0 / math.Sqrt(magnitude))
		for i := range embedding {
			embedding[i] *= norm
		}
	}

	return embedding, nil
}

// add hashes a feature to a bucket with a hash-derived sign
func (h *HashEmbedder) add(embedding []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	hasher.Write([]byte(feature))
	sum := hasher.Sum64()

	bucket := int(sum % uint64(h.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	embedding[bucket] += weight
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint
type HTTPEmbedder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	retry      RetryConfig
}

// EmbeddingConfig configures an HTTPEmbedder
type EmbeddingConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
	Timeout    time.Duration
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewHTTPEmbedder creates an embedder for a remote embeddings API
func NewHTTPEmbedder(config EmbeddingConfig) (*HTTPEmbedder, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("embedding base URL is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPEmbedder{
		apiKey:     config.APIKey,
		model:      config.Model,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		dimensions: config.Dimensions,
		client:     &http.Client{Timeout: timeout},
		retry:      DefaultRetryConfig,
	}, nil
}

// Embed implements Embedder
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	observability.GetGlobalMetrics().Inc(observability.MetricEmbeddingRequest, nil)

	vector, err := withRetry(ctx, e.retry, func() ([]float32, error) {
		return e.send(ctx, text)
	})
	observability.RecordLLMMetrics("embed", time.Since(start), 0, 0, err)
	if err != nil {
		return nil, err
	}
	if e.dimensions > 0 && len(vector) != e.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(vector), e.dimensions)
	}
	return vector, nil
}

func (e *HTTPEmbedder) send(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Model:      e.model,
		Input:      []string{text},
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
		req.Header.Set("api-key", e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if isHTTPStatusRetryable(resp.StatusCode) {
			return nil, fmt.Errorf("embedding API error %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		}
		return nil, fmt.Errorf("embedding request rejected (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}

	return parsed.Data[0].Embedding, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NewEmbedder builds the embedder named by provider ("hash" or "http").
// Remote embedders are wrapped in a circuit breaker.
func NewEmbedder(provider string, config EmbeddingConfig) (Embedder, error) {
	switch strings.ToLower(provider) {
	case "", "hash":
		return NewHashEmbedder(config.Dimensions), nil
	case "http":
		embedder, err := NewHTTPEmbedder(config)
		if err != nil {
			return nil, err
		}
		return NewCircuitBreakerEmbedder(embedder, "embeddings", DefaultCircuitBreakerConfig), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}
}
