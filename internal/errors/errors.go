// Package errors provides enhanced error types with helpful context and suggestions
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Query resolution errors
	ErrCodeCacheUnavailable  ErrorCode = "CACHE_UNAVAILABLE"
	ErrCodeSynthesisFailed   ErrorCode = "SYNTHESIS_FAILED"
	ErrCodeUnsafeQuery       ErrorCode = "UNSAFE_QUERY"
	ErrCodeExecutionTimeout  ErrorCode = "EXECUTION_TIMEOUT"
	ErrCodeExecutionFailed   ErrorCode = "EXECUTION_FAILED"
	ErrCodeRequestCancelled  ErrorCode = "REQUEST_CANCELLED"
	ErrCodeEmbeddingFailed   ErrorCode = "EMBEDDING_GENERATION_FAILED"
	ErrCodeSchemaUnavailable ErrorCode = "SCHEMA_CONTEXT_UNAVAILABLE"

	// Curation errors
	ErrCodeDuplicateEntry ErrorCode = "DUPLICATE_ENTRY"
	ErrCodeEntryNotFound  ErrorCode = "ENTRY_NOT_FOUND"

	// Database errors
	ErrCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeDatabaseQuery      ErrorCode = "DATABASE_QUERY_FAILED"

	// Input validation errors
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED_FIELD"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Candidate queue errors
	ErrCodeCandidateWrite ErrorCode = "CANDIDATE_WRITE_FAILED"
	ErrCodeCandidateRead  ErrorCode = "CANDIDATE_READ_FAILED"
)

// Kind is the caller-visible failure category carried in terminal error events
type Kind string

const (
	KindCacheUnavailable Kind = "CacheUnavailable"
	KindSynthesisFailed  Kind = "SynthesisFailed"
	KindUnsafeQuery      Kind = "UnsafeQuery"
	KindExecutionTimeout Kind = "ExecutionTimeout"
	KindExecutionError   Kind = "ExecutionError"
	KindCancelled        Kind = "Cancelled"
	KindDuplicateEntry   Kind = "DuplicateEntry"
	KindInvalidInput     Kind = "InvalidInput"
	KindInternal         Kind = "Internal"
)

var kindByCode = map[ErrorCode]Kind{
	ErrCodeCacheUnavailable:  KindCacheUnavailable,
	ErrCodeEmbeddingFailed:   KindCacheUnavailable,
	ErrCodeSynthesisFailed:   KindSynthesisFailed,
	ErrCodeSchemaUnavailable: KindSynthesisFailed,
	ErrCodeUnsafeQuery:       KindUnsafeQuery,
	ErrCodeExecutionTimeout:  KindExecutionTimeout,
	ErrCodeExecutionFailed:   KindExecutionError,
	ErrCodeRequestCancelled:  KindCancelled,
	ErrCodeDuplicateEntry:    KindDuplicateEntry,
	ErrCodeInvalidInput:      KindInvalidInput,
	ErrCodeMissingRequired:   KindInvalidInput,
}

// EnhancedError represents an error with additional context and helpful information
type EnhancedError struct {
	Code          ErrorCode              `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	Suggestion    string                 `json:"suggestion,omitempty"`
	Documentation string                 `json:"documentation,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"`
}

// Error implements the error interface
func (e *EnhancedError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))
	if e.Details != "" {
		sb.WriteString(fmt.Sprintf(": %s", e.Details))
	}
	if e.Cause != nil {
		sb.WriteString(fmt.Sprintf(" (cause: %v)", e.Cause))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *EnhancedError) Unwrap() error {
	return e.Cause
}

// Kind returns the caller-visible category for this error
func (e *EnhancedError) Kind() Kind {
	if kind, ok := kindByCode[e.Code]; ok {
		return kind
	}
	return KindInternal
}

// UserMessage returns a user-friendly error message with suggestions
func (e *EnhancedError) UserMessage() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Details != "" {
		sb.WriteString(fmt.Sprintf("\n\nDetails: %s", e.Details))
	}

	if e.Suggestion != "" {
		sb.WriteString(fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion))
	}

	if e.Documentation != "" {
		sb.WriteString(fmt.Sprintf("\n\nLearn more: %s", e.Documentation))
	}

	return sb.String()
}

// New creates a new EnhancedError
func New(code ErrorCode, message string) *EnhancedError {
	return &EnhancedError{
		Code:     code,
		Message:  message,
		Metadata: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with enhanced context
func Wrap(err error, code ErrorCode, message string) *EnhancedError {
	return &EnhancedError{
		Code:     code,
		Message:  message,
		Cause:    err,
		Metadata: make(map[string]interface{}),
	}
}

// WithDetails adds detailed information about the error
func (e *EnhancedError) WithDetails(details string) *EnhancedError {
	e.Details = details
	return e
}

// WithSuggestion adds a suggestion on how to fix the error
func (e *EnhancedError) WithSuggestion(suggestion string) *EnhancedError {
	e.Suggestion = suggestion
	return e
}

// WithMetadata adds additional metadata to the error
func (e *EnhancedError) WithMetadata(key string, value interface{}) *EnhancedError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// As finds the first EnhancedError in err's chain
func As(err error) (*EnhancedError, bool) {
	var enhanced *EnhancedError
	if stderrors.As(err, &enhanced) {
		return enhanced, true
	}
	return nil, false
}

// KindOf reports the caller-visible category of err.
// Errors that are not EnhancedErrors are Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if enhanced, ok := As(err); ok {
		return enhanced.Kind()
	}
	return KindInternal
}

// IsKind reports whether err belongs to the given category
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Common error constructors with pre-configured messages

// NewCacheUnavailableError creates an error for an unreachable cache index
func NewCacheUnavailableError(err error) *EnhancedError {
	return Wrap(err, ErrCodeCacheUnavailable, "Query cache is unavailable").
		WithDetails("The semantic cache of vetted queries could not be searched").
		WithSuggestion("The request continues without the cache; a query will be synthesized instead.").
		WithMetadata("retryable", true)
}

// NewEmbeddingError creates an error for embedding generation failures
func NewEmbeddingError(err error) *EnhancedError {
	return Wrap(err, ErrCodeEmbeddingFailed, "Failed to generate question embedding").
		WithDetails("The embedding service was unable to process the question for semantic search").
		WithSuggestion("This is typically a temporary issue. Please try your question again in a moment.").
		WithMetadata("retryable", true)
}

// NewSynthesisError creates an error for query synthesis failures
func NewSynthesisError(err error) *EnhancedError {
	return Wrap(err, ErrCodeSynthesisFailed, "Failed to synthesize SQL query").
		WithDetails("The AI was unable to convert your question to a SQL query").
		WithSuggestion("Try simplifying your question or being more specific about the data you want.")
}

// NewEmptySynthesisError creates an error for a synthesizer that returned no query text
func NewEmptySynthesisError() *EnhancedError {
	return New(ErrCodeSynthesisFailed, "Failed to synthesize SQL query").
		WithDetails("The AI returned an empty query").
		WithSuggestion("Try rephrasing your question to refer to specific tables or measures.")
}

// NewUnsafeQueryError creates an error for a query rejected by the safety validator
func NewUnsafeQueryError(reason string) *EnhancedError {
	return New(ErrCodeUnsafeQuery, "Query rejected by safety validation").
		WithDetails(reason).
		WithSuggestion("Only single read-only SELECT statements against permitted tables can be executed.").
		WithMetadata("reason", reason)
}

// NewExecutionTimeoutError creates an error for executions that exceed their time budget
func NewExecutionTimeoutError(err error, timeout string) *EnhancedError {
	return Wrap(err, ErrCodeExecutionTimeout, "Query execution timed out").
		WithDetails(fmt.Sprintf("The query did not complete within %s and was cancelled", timeout)).
		WithSuggestion("Narrow the question (add filters or a smaller time window) and try again.").
		WithMetadata("timeout", timeout)
}

// NewExecutionError creates an error for store-level execution failures
func NewExecutionError(err error) *EnhancedError {
	return Wrap(err, ErrCodeExecutionFailed, "Query execution failed").
		WithDetails("The data source rejected or failed to run the query").
		WithSuggestion("Check that the referenced tables and columns exist. The query was not retried.")
}

// NewCancelledError creates an error for caller-initiated or upstream cancellation
func NewCancelledError(err error, stage string) *EnhancedError {
	return Wrap(err, ErrCodeRequestCancelled, "Request cancelled").
		WithDetails(fmt.Sprintf("The request was cancelled while %s", stage)).
		WithMetadata("stage", stage)
}

// NewDuplicateEntryError creates an error for re-curating an existing question/query pair
func NewDuplicateEntryError(question string) *EnhancedError {
	return New(ErrCodeDuplicateEntry, "Cache entry already exists").
		WithDetails(fmt.Sprintf("An entry with the same question and query already exists: '%s'", question)).
		WithSuggestion("Re-curation is idempotent; no changes were made.").
		WithMetadata("question", question)
}

// NewEntryNotFoundError creates an error for unknown cache entry ids
func NewEntryNotFoundError(id string) *EnhancedError {
	return New(ErrCodeEntryNotFound, "Cache entry not found").
		WithDetails(fmt.Sprintf("No cache entry with id: %s", id)).
		WithMetadata("entry_id", id)
}

// NewInvalidInputError creates an error for invalid input
func NewInvalidInputError(field string, reason string) *EnhancedError {
	return New(ErrCodeInvalidInput, "Invalid input").
		WithDetails(fmt.Sprintf("Field '%s' is invalid: %s", field, reason)).
		WithSuggestion("Please check the API documentation for the expected format and try again.")
}

// NewDatabaseConnectionError creates an error for database connection failures
func NewDatabaseConnectionError(err error) *EnhancedError {
	return Wrap(err, ErrCodeDatabaseConnection, "Database connection failed").
		WithDetails("Unable to connect to the database").
		WithSuggestion("This is an internal server error. The service may be experiencing issues. Please try again in a moment.").
		WithMetadata("retryable", true)
}

// NewDatabaseQueryError creates an error for database query failures
func NewDatabaseQueryError(err error, operation string) *EnhancedError {
	return Wrap(err, ErrCodeDatabaseQuery, "Database query failed").
		WithDetails(fmt.Sprintf("Failed to execute database operation: %s", operation)).
		WithSuggestion("This is an internal server error. If the problem persists, contact support.").
		WithMetadata("retryable", true)
}
