package processor

import (
	"time"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
)

// Stage is a state of the per-request resolution machine
type Stage string

const (
	StageReceived     Stage = "RECEIVED"
	StageSearching    Stage = "SEARCHING"
	StageEvaluating   Stage = "EVALUATING"
	StageSynthesizing Stage = "SYNTHESIZING"
	StageValidating   Stage = "VALIDATING"
	StageExecuting    Stage = "EXECUTING"
	StageStreaming    Stage = "STREAMING"
	StageDone         Stage = "DONE"
	StageError        Stage = "ERROR"
)

// EventType tags a StreamEvent
type EventType string

const (
	EventStatus      EventType = "status"
	EventFinalResult EventType = "final_result"
	EventError       EventType = "error"
)

// Origin tells where a candidate query came from
type Origin string

const (
	OriginCached      Origin = "cached"
	OriginSynthesized Origin = "synthesized"
)

// ValidationStatus tracks a candidate through the safety validator
type ValidationStatus string

const (
	StatusUnvalidated ValidationStatus = "unvalidated"
	StatusApproved    ValidationStatus = "approved"
	StatusRejected    ValidationStatus = "rejected"
)

// QueryRequest is an incoming natural-language question
type QueryRequest struct {
	Question    string    `json:"question" binding:"required"`
	Scope       string    `json:"scope,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// CandidateQuery is query text on its way to execution
type CandidateQuery struct {
	Text   string           `json:"text"`
	Origin Origin           `json:"origin"`
	Status ValidationStatus `json:"status"`
}

// StreamEvent is one frame of the ordered response stream
type StreamEvent struct {
	Type     EventType     `json:"type"`
	Sequence int           `json:"sequence"`
	Stage    Stage         `json:"stage,omitempty"`
	Message  string        `json:"message,omitempty"`
	Result   *FinalResult  `json:"result,omitempty"`
	Error    *ErrorPayload `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream
func (e StreamEvent) Terminal() bool {
	return e.Type == EventFinalResult || e.Type == EventError
}

// FinalResult is the payload of a successful terminal event
type FinalResult struct {
	Rows       []map[string]any `json:"rows"`
	Columns    []string         `json:"columns"`
	QueryUsed  string           `json:"query_used"`
	CacheHit   bool             `json:"cache_hit"`
	Confidence float64          `json:"confidence"`
	Truncated  bool             `json:"truncated"`
	RowCount   int              `json:"row_count"`
	ElapsedMs  int64            `json:"elapsed_ms"`
	SessionID  string           `json:"session_id,omitempty"`
}

// ErrorPayload is the payload of a failed terminal event
type ErrorPayload struct {
	Kind       errors.Kind      `json:"kind"`
	Code       errors.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	Details    string           `json:"details,omitempty"`
	Suggestion string           `json:"suggestion,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
}

// newErrorPayload translates a component failure into the caller-visible form
func newErrorPayload(err error, sessionID string) *ErrorPayload {
	if enhanced, ok := errors.As(err); ok {
		return &ErrorPayload{
			Kind:       enhanced.Kind(),
			Code:       enhanced.Code,
			Message:    enhanced.Message,
			Details:    enhanced.Details,
			Suggestion: enhanced.Suggestion,
			SessionID:  sessionID,
		}
	}
	return &ErrorPayload{
		Kind:      errors.KindInternal,
		Code:      "INTERNAL_ERROR",
		Message:   err.Error(),
		SessionID: sessionID,
	}
}
