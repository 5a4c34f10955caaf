package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClaudeClient(t *testing.T, handler http.HandlerFunc) *ClaudeClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClaudeClient(Config{APIKey: "test-key", BaseURL: server.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	client.retry = RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return client
}

func writeClaudeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ClaudeResponse{
		ID:      "msg_1",
		Type:    "message",
		Role:    "assistant",
		Content: []ContentBlock{{Type: "text", Text: text}},
		Usage:   Usage{InputTokens: 120, OutputTokens: 40},
	})
}

func TestNewClaudeClientRequiresKey(t *testing.T) {
	_, err := NewClaudeClient(Config{})
	assert.Error(t, err)
}

func TestClaudeGenerateQuery(t *testing.T) {
	client := newTestClaudeClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, ClaudeVersion, r.Header.Get("anthropic-version"))

		var req ClaudeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DefaultModel, req.Model)
		assert.NotEmpty(t, req.System)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "top customers")

		writeClaudeText(w, "```sql\nSELECT customer_id, sum(total) AS revenue\nFROM orders\nGROUP BY customer_id\nORDER BY revenue DESC\nLIMIT 10\n```\nThis ranks customers by their total order value.")
	})

	resp, err := client.GenerateQuery(context.Background(), BuildPrompt("top customers", ""))
	require.NoError(t, err)
	assert.Equal(t, "SELECT customer_id, sum(total) AS revenue\nFROM orders\nGROUP BY customer_id\nORDER BY revenue DESC\nLIMIT 10", resp.SQL)
	assert.Equal(t, "This ranks customers by their total order value.", resp.Explanation)
	assert.Greater(t, resp.Confidence, 0.8)
	assert.Equal(t, 120, resp.InputTokens)
	assert.Equal(t, 40, resp.OutputTokens)
}

func TestClaudeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClaudeClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":{"type":"overloaded_error","message":"overloaded"}}`))
			return
		}
		writeClaudeText(w, "SELECT 1")
	})

	resp, err := client.GenerateQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", resp.SQL)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClaudeDoesNotRetryAuthErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClaudeClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error","message":"bad key"}}`))
	})

	_, err := client.GenerateQuery(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid API key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestParseClaudeResponse(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantSQL string
		maxConf float64
		minConf float64
	}{
		{
			name:    "sql code block",
			text:    "Here you go:\n```sql\nSELECT * FROM orders WHERE status = 'open'\n```",
			wantSQL: "SELECT * FROM orders WHERE status = 'open'",
			minConf: 0.8,
			maxConf: 1,
		},
		{
			name:    "bare code block",
			text:    "```\nWITH x AS (SELECT 1) SELECT * FROM x\n```",
			wantSQL: "WITH x AS (SELECT 1) SELECT * FROM x",
			minConf: 0.8,
			maxConf: 1,
		},
		{
			name:    "statement lines",
			text:    "The query is:\nSELECT count(*)\nFROM orders\n\nIt counts orders.",
			wantSQL: "SELECT count(*)\nFROM orders",
			minConf: 0.5,
			maxConf: 0.9,
		},
		{
			name:    "no statement",
			text:    "I cannot answer that from the available tables.",
			wantSQL: "I cannot answer that from the available tables.",
			minConf: 0,
			maxConf: 0.1,
		},
		{
			name:    "uncertain",
			text:    "I think this might be it:\n```sql\nSELECT 1\n```",
			wantSQL: "SELECT 1",
			minConf: 0,
			maxConf: 0.7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, _, confidence := parseClaudeResponse(&ClaudeResponse{Content: []ContentBlock{{Type: "text", Text: tt.text}}})
			assert.Equal(t, tt.wantSQL, sql)
			assert.GreaterOrEqual(t, confidence, tt.minConf)
			assert.LessOrEqual(t, confidence, tt.maxConf)
		})
	}

	sql, _, _ := parseClaudeResponse(&ClaudeResponse{})
	assert.Empty(t, sql)
}
