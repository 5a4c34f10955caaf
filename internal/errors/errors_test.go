package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain error", err: fmt.Errorf("boom"), want: KindInternal},
		{name: "cache unavailable", err: NewCacheUnavailableError(fmt.Errorf("down")), want: KindCacheUnavailable},
		{name: "embedding maps to cache unavailable", err: NewEmbeddingError(fmt.Errorf("down")), want: KindCacheUnavailable},
		{name: "synthesis", err: NewSynthesisError(fmt.Errorf("llm")), want: KindSynthesisFailed},
		{name: "empty synthesis", err: NewEmptySynthesisError(), want: KindSynthesisFailed},
		{name: "unsafe", err: NewUnsafeQueryError("DROP"), want: KindUnsafeQuery},
		{name: "timeout", err: NewExecutionTimeoutError(context.DeadlineExceeded, "1s"), want: KindExecutionTimeout},
		{name: "execution", err: NewExecutionError(fmt.Errorf("relation missing")), want: KindExecutionError},
		{name: "cancelled", err: NewCancelledError(context.Canceled, "executing"), want: KindCancelled},
		{name: "duplicate", err: NewDuplicateEntryError("q"), want: KindDuplicateEntry},
		{name: "wrapped with fmt", err: fmt.Errorf("outer: %w", NewUnsafeQueryError("x")), want: KindUnsafeQuery},
		{name: "unmapped code", err: NewDatabaseQueryError(fmt.Errorf("x"), "op"), want: KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestEnhancedErrorFormatting(t *testing.T) {
	err := NewExecutionError(fmt.Errorf("relation \"orders\" does not exist"))

	assert.Contains(t, err.Error(), string(ErrCodeExecutionFailed))
	assert.Contains(t, err.Error(), "cause: relation")
	assert.Contains(t, err.UserMessage(), "Suggestion:")
	require.Error(t, err.Unwrap())
}

func TestIsKind(t *testing.T) {
	err := NewUnsafeQueryError("multiple statements")

	assert.True(t, IsKind(err, KindUnsafeQuery))
	assert.False(t, IsKind(err, KindExecutionError))
	assert.False(t, IsKind(nil, KindUnsafeQuery))
	assert.Equal(t, "multiple statements", err.Metadata["reason"])
}
