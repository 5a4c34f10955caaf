package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

const (
	ClaudeAPIBaseURL = "https://api.anthropic.com/v1"
	ClaudeVersion    = "2023-06-01"
	DefaultModel     = "claude-3-5-sonnet-20241022"
	MaxTokens        = 1000
	Temperature      = 0.0 // Deterministic SQL generation
)

var (
	sqlCodeBlockRegex = regexp.MustCompile("(?s)```(?:sql|postgresql|postgres)?\\s*\\n?(.*?)\\n?```")
	statementStart    = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
	blankLinesRegex   = regexp.MustCompile(`\n\s*\n`)
)

// ClaudeClient implements the Client interface using Anthropic's Claude API
type ClaudeClient struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int
	client    *http.Client
	retry     RetryConfig
}

// Claude API request structures
type ClaudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Claude API response structures
type ClaudeResponse struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   Usage          `json:"usage"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Error response structure
type ClaudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ClaudeErrorResponse struct {
	Error ClaudeError `json:"error"`
}

// NewClaudeClient creates a new Claude client
func NewClaudeClient(config Config) (*ClaudeClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	model := config.Model
	if model == "" {
		model = DefaultModel
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = ClaudeAPIBaseURL
	}
	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = MaxTokens
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ClaudeClient{
		apiKey:    config.APIKey,
		model:     model,
		baseURL:   strings.TrimRight(baseURL, "/"),
		maxTokens: maxTokens,
		client: &http.Client{
			Timeout: timeout,
		},
		retry: DefaultRetryConfig,
	}, nil
}

// GenerateQuery sends a prompt to Claude and returns the SQL it proposes
func (c *ClaudeClient) GenerateQuery(ctx context.Context, prompt string) (*Response, error) {
	start := time.Now()

	request := ClaudeRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: Temperature,
		System:      systemPrompt,
		Messages: []Message{
			{
				Role:    "user",
				Content: prompt,
			},
		},
	}

	response, err := c.sendClaudeRequestWithRetry(ctx, request)
	if err != nil {
		observability.RecordLLMMetrics("generate_sql", time.Since(start), 0, 0, err)
		return nil, fmt.Errorf("failed to send request to Claude: %w", err)
	}

	tokens := response.Usage.InputTokens + response.Usage.OutputTokens
	observability.RecordLLMMetrics("generate_sql", time.Since(start), tokens, 0, nil)

	sql, explanation, confidence := parseClaudeResponse(response)
	if sql == "" {
		return nil, fmt.Errorf("Claude did not return a SQL query")
	}

	return &Response{
		SQL:          sql,
		Explanation:  explanation,
		Confidence:   confidence,
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
	}, nil
}

// Ping checks that the API is reachable with the configured key
func (c *ClaudeClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", ClaudeVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return c.handleAPIError(resp.StatusCode, body)
	}
	return nil
}

// sendClaudeRequest handles the HTTP communication with Claude API
func (c *ClaudeClient) sendClaudeRequest(ctx context.Context, request ClaudeRequest) (*ClaudeResponse, error) {
	// Marshal request to JSON
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// Create HTTP request
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// Set required headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", ClaudeVersion)

	// Send request
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// Handle HTTP errors
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleAPIError(resp.StatusCode, body)
	}

	// Parse successful response
	var claudeResponse ClaudeResponse
	if err := json.Unmarshal(body, &claudeResponse); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &claudeResponse, nil
}

// parseClaudeResponse extracts the SQL statement, explanation and a confidence
// estimate from Claude's reply
func parseClaudeResponse(response *ClaudeResponse) (sql, explanation string, confidence float64) {
	var sb strings.Builder
	for _, block := range response.Content {
		if block.Type == "" || block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", "", 0.0
	}

	// Code blocks are the most reliable
	if matches := sqlCodeBlockRegex.FindStringSubmatch(text); len(matches) > 1 {
		extracted := strings.TrimSpace(matches[1])
		if extracted != "" {
			return extracted, cleanExplanation(text, extracted), calculateConfidence(text, extracted)
		}
	}

	// Otherwise take the first run of lines starting at SELECT or WITH
	lines := strings.Split(text, "\n")
	var sqlLines []string
	for _, line := range lines {
		if len(sqlLines) == 0 {
			if statementStart.MatchString(line) {
				sqlLines = append(sqlLines, strings.TrimSpace(line))
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			break
		}
		sqlLines = append(sqlLines, strings.TrimSpace(line))
	}
	if len(sqlLines) > 0 {
		extracted := strings.Join(sqlLines, "\n")
		return extracted, cleanExplanation(text, extracted), calculateConfidence(text, extracted) - 0.1
	}

	// Nothing that looks like a statement. The validator rejects whatever
	// this is, so report it with very low confidence.
	return text, "", 0.1
}

// calculateConfidence estimates how confident we are in the response
func calculateConfidence(fullText, sql string) float64 {
	confidence := 0.5 // Base confidence

	if sql != "" {
		confidence += 0.3
	}

	upper := " " + strings.Join(strings.Fields(strings.ToUpper(sql)), " ") + " "
	for _, keyword := range []string{" FROM ", " WHERE ", " GROUP BY ", " ORDER BY ", " JOIN "} {
		if strings.Contains(upper, keyword) {
			confidence += 0.03
		}
	}

	// Lower confidence if the response seems uncertain
	uncertaintyPhrases := []string{"not sure", "might be", "could be", "i think", "perhaps", "assuming"}
	lower := strings.ToLower(fullText)
	for _, phrase := range uncertaintyPhrases {
		if strings.Contains(lower, phrase) {
			confidence -= 0.1
		}
	}

	// Ensure confidence is between 0 and 1
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence < 0.0 {
		confidence = 0.0
	}

	return confidence
}

// cleanExplanation removes the SQL from the explanation to avoid duplication
func cleanExplanation(fullText, sql string) string {
	explanation := sqlCodeBlockRegex.ReplaceAllString(fullText, "")
	if sql != "" {
		explanation = strings.ReplaceAll(explanation, sql, "")
	}

	explanation = blankLinesRegex.ReplaceAllString(explanation, "\n")
	explanation = strings.TrimSpace(explanation)

	if len(explanation) < 10 {
		explanation = "SQL query generated based on the natural language request."
	}

	return explanation
}

// handleAPIError processes Claude API errors
func (c *ClaudeClient) handleAPIError(statusCode int, body []byte) error {
	var errorResponse ClaudeErrorResponse
	if err := json.Unmarshal(body, &errorResponse); err != nil {
		return fmt.Errorf("API error %d: %s", statusCode, string(body))
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("invalid API key: %s", errorResponse.Error.Message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limit exceeded: %s", errorResponse.Error.Message)
	case http.StatusBadRequest:
		return fmt.Errorf("bad request: %s", errorResponse.Error.Message)
	case http.StatusInternalServerError:
		return fmt.Errorf("Claude API internal error: %s", errorResponse.Error.Message)
	default:
		return fmt.Errorf("Claude API error %d: %s", statusCode, errorResponse.Error.Message)
	}
}
