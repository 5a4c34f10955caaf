package llm

import (
	"context"
	"fmt"
	"strings"
)

const systemPrompt = `You translate questions about business data into a single read-only PostgreSQL query.
Rules:
- Produce exactly one SELECT statement (a leading WITH clause is allowed).
- Never modify data or schema, never use SELECT INTO, and never call administrative functions.
- Only reference the tables and columns listed in the schema.
- Prefer explicit column lists and add ORDER BY when the question implies a ranking.
Reply with the query in a fenced sql code block followed by a one-sentence explanation.`

// Synthesizer turns a question plus schema context into candidate SQL
type Synthesizer struct {
	client Client
}

// NewSynthesizer creates a synthesizer over an LLM client
func NewSynthesizer(client Client) *Synthesizer {
	return &Synthesizer{client: client}
}

// Synthesize proposes a query for question. The text is unvalidated.
func (s *Synthesizer) Synthesize(ctx context.Context, question, schemaContext string) (string, error) {
	response, err := s.client.GenerateQuery(ctx, BuildPrompt(question, schemaContext))
	if err != nil {
		return "", err
	}
	sql := strings.TrimSpace(response.SQL)
	if sql == "" {
		return "", fmt.Errorf("model returned an empty query")
	}
	return sql, nil
}

// BuildPrompt renders the user message sent to the model
func BuildPrompt(question, schemaContext string) string {
	var sb strings.Builder

	if strings.TrimSpace(schemaContext) != "" {
		sb.WriteString("Database schema:\n")
		sb.WriteString(strings.TrimSpace(schemaContext))
		sb.WriteString("\n\n")
	}

	sb.WriteString("Question: ")
	sb.WriteString(strings.TrimSpace(question))
	sb.WriteString("\n")

	return sb.String()
}
