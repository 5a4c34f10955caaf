package llm

import (
	"context"
	"time"
)

// Client interface for AI service integration
type Client interface {
	GenerateQuery(ctx context.Context, prompt string) (*Response, error)
}

// Embedder turns text into a vector for semantic search
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Response represents the response from the AI service
type Response struct {
	SQL          string  `json:"sql"`
	Explanation  string  `json:"explanation"`
	Confidence   float64 `json:"confidence"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
}

// Config holds configuration for LLM clients
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	MaxTokens int
}
