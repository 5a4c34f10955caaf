// Package semantic holds the cache of vetted question/query pairs and the
// similarity search over it.
package semantic

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
	"github.com/seanankenbruck/nl2sql-gateway/internal/observability"
)

// CacheEntry is a curated question paired with the query that answers it
type CacheEntry struct {
	ID         string     `json:"id"`
	Question   string     `json:"question"`
	Query      string     `json:"query"`
	Embedding  []float32  `json:"-"`
	Scope      string     `json:"scope,omitempty"`
	HitCount   int64      `json:"hit_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Match is a cache entry scored against a question. Score is in [0,1].
type Match struct {
	Entry CacheEntry `json:"entry"`
	Score float64    `json:"score"`
}

// StoreRequest describes a new curated entry
type StoreRequest struct {
	Question string `json:"question" yaml:"question"`
	Query    string `json:"query" yaml:"query"`
	Scope    string `json:"scope,omitempty" yaml:"scope,omitempty"`
}

// Embedder turns text into a fixed-dimension vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore persists cache entries and answers nearest-neighbour queries.
// Nearest must not modify usage counters.
type VectorStore interface {
	// Append adds an entry, failing with a DuplicateEntry error when the
	// same question and query pair is already stored.
	Append(ctx context.Context, entry CacheEntry) error
	// Nearest returns up to k entries ordered by descending similarity.
	// An empty scope matches every entry.
	Nearest(ctx context.Context, vector []float32, k int, scope string) ([]Match, error)
	// Touch increments an entry's hit count and sets its last-used time
	Touch(ctx context.Context, id string, at time.Time) error
}

// Index is the semantic cache consulted before synthesizing a new query
type Index struct {
	embedder Embedder
	store    VectorStore
	logger   *observability.Logger
	now      func() time.Time
}

// NewIndex creates an index over the given store
func NewIndex(embedder Embedder, store VectorStore) *Index {
	return &Index{
		embedder: embedder,
		store:    store,
		logger:   observability.NewLogger("semantic"),
		now:      time.Now,
	}
}

// WithLogger replaces the index logger
func (ix *Index) WithLogger(logger *observability.Logger) *Index {
	ix.logger = logger
	return ix
}

// Store embeds and appends a curated entry
func (ix *Index) Store(ctx context.Context, req StoreRequest) (*CacheEntry, error) {
	question := strings.TrimSpace(req.Question)
	query := strings.TrimSpace(req.Query)
	if question == "" {
		return nil, errors.NewInvalidInputError("question", "must not be empty")
	}
	if query == "" {
		return nil, errors.NewInvalidInputError("query", "must not be empty")
	}

	vector, err := ix.embedder.Embed(ctx, question)
	if err != nil {
		return nil, errors.NewEmbeddingError(err)
	}

	entry := CacheEntry{
		ID:        uuid.New().String(),
		Question:  question,
		Query:     query,
		Embedding: vector,
		Scope:     strings.TrimSpace(req.Scope),
		CreatedAt: ix.now().UTC(),
	}

	if err := ix.store.Append(ctx, entry); err != nil {
		if errors.IsKind(err, errors.KindDuplicateEntry) {
			return nil, err
		}
		return nil, errors.NewDatabaseQueryError(err, "append cache entry")
	}

	observability.GetGlobalMetrics().Inc(observability.MetricCacheEntriesStored, nil)
	ix.logger.Info(ctx, "Cache entry stored", map[string]interface{}{
		"entry_id": entry.ID,
		"scope":    entry.Scope,
	})

	return &entry, nil
}

// Search returns the topK entries most similar to question. It has no side
// effects on the stored entries. Any failure is reported as CacheUnavailable.
func (ix *Index) Search(ctx context.Context, question string, topK int, scope string) ([]Match, error) {
	start := time.Now()

	if topK <= 0 {
		return nil, nil
	}

	vector, err := ix.embedder.Embed(ctx, question)
	if err != nil {
		observability.RecordCacheSearchMetrics(time.Since(start), 0, 0, err)
		return nil, errors.NewEmbeddingError(err)
	}

	matches, err := ix.store.Nearest(ctx, vector, topK, scope)
	if err != nil {
		observability.RecordCacheSearchMetrics(time.Since(start), 0, 0, err)
		return nil, errors.NewCacheUnavailableError(err)
	}

	for i := range matches {
		matches[i].Score = clampScore(matches[i].Score)
	}
	if len(matches) > topK {
		matches = matches[:topK]
	}

	top := 0.0
	if len(matches) > 0 {
		top = matches[0].Score
	}
	observability.RecordCacheSearchMetrics(time.Since(start), len(matches), top, nil)
	ix.logger.Debug(ctx, "Cache searched", map[string]interface{}{
		"matches":   len(matches),
		"top_score": top,
		"scope":     scope,
	})

	return matches, nil
}

// RecordHit marks an entry as used. Callers invoke it only after the
// entry's query executed successfully.
func (ix *Index) RecordHit(ctx context.Context, id string) error {
	if err := ix.store.Touch(ctx, id, ix.now().UTC()); err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.NewDatabaseQueryError(err, "record cache hit")
	}
	observability.GetGlobalMetrics().Inc(observability.MetricCacheHitsRecorded, nil)
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b clamped
// to [0,1]. Mismatched dimensions and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clampScore(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Outranks orders matches by score, then most recent use (never used is
// oldest), then lowest id. Stores apply it before cutting to top-K so a tied
// entry is never dropped ahead of the one the evaluator would pick.
func Outranks(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}

	aUsed, bUsed := a.Entry.LastUsedAt, b.Entry.LastUsedAt
	switch {
	case aUsed != nil && bUsed == nil:
		return true
	case aUsed == nil && bUsed != nil:
		return false
	case aUsed != nil && bUsed != nil && !aUsed.Equal(*bUsed):
		return aUsed.After(*bUsed)
	}

	return a.Entry.ID < b.Entry.ID
}

func clampScore(score float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
