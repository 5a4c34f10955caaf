package processor

import (
	"github.com/seanankenbruck/nl2sql-gateway/internal/semantic"
)

// MatchResult is the confidence gate's decision for one request
type MatchResult struct {
	Entry            *semantic.CacheEntry `json:"entry,omitempty"`
	Score            float64              `json:"score"`
	IsHighConfidence bool                 `json:"is_high_confidence"`
	Threshold        float64              `json:"threshold"`
}

// Evaluator decides whether a cached query may be reused
type Evaluator struct {
	threshold float64
}

// NewEvaluator creates an evaluator with the configured threshold
func NewEvaluator(threshold float64) *Evaluator {
	return &Evaluator{threshold: threshold}
}

// Threshold returns the configured threshold
func (e *Evaluator) Threshold() float64 {
	return e.threshold
}

// Evaluate picks the best match. A score equal to the threshold counts as
// high confidence, but only for an entry in the requested scope.
func (e *Evaluator) Evaluate(matches []semantic.Match, requestScope string) MatchResult {
	result := MatchResult{Threshold: e.threshold}
	if len(matches) == 0 {
		return result
	}

	best := 0
	for i := 1; i < len(matches); i++ {
		if semantic.Outranks(matches[i], matches[best]) {
			best = i
		}
	}

	entry := matches[best].Entry
	result.Entry = &entry
	result.Score = matches[best].Score
	result.IsHighConfidence = result.Score >= e.threshold && entry.Scope == requestScope

	return result
}
