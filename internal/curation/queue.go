// Package curation keeps (question, query) pairs from successful cache
// misses for later review. Nothing here writes to the cache index; an
// operator promotes candidates with cachectl.
package curation

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
)

const (
	candidatePrefix = "candidate:"
	pendingKey      = "candidates:pending"
	occurrencesKey  = "candidates:occurrences"
)

// candidateNamespace seeds deterministic candidate ids so that repeated
// submissions of the same pair collapse onto one record
var candidateNamespace = uuid.MustParse("5b7c1c0e-9f1e-4c55-9a43-3d0c8e6f2a10")

// Submission is a pair observed on live traffic
type Submission struct {
	Question  string
	Query     string
	Scope     string
	SessionID string
}

// Candidate is a pending pair awaiting review
type Candidate struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Query       string    `json:"query"`
	Scope       string    `json:"scope,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	Occurrences int64     `json:"occurrences"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Queue is a Redis-backed candidate store
type Queue struct {
	redis     *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewQueue creates a candidate queue. Candidates expire after retention
// unless they are resubmitted; zero keeps them until removed.
func NewQueue(redisClient *redis.Client, retention time.Duration) *Queue {
	return &Queue{
		redis:     redisClient,
		retention: retention,
		now:       time.Now,
	}
}

// CandidateID returns the stable id for a question/query pair
func CandidateID(question, query string) string {
	return uuid.NewSHA1(candidateNamespace, []byte(strings.TrimSpace(question)+"\x00"+strings.TrimSpace(query))).String()
}

// Submit records a pair. Resubmitting an existing pair bumps its occurrence
// count and last-seen time.
func (q *Queue) Submit(ctx context.Context, s Submission) error {
	question := strings.TrimSpace(s.Question)
	query := strings.TrimSpace(s.Query)
	if question == "" || query == "" {
		return errors.NewInvalidInputError("candidate", "question and query are required")
	}

	now := q.now().UTC()
	id := CandidateID(question, query)
	candidate := Candidate{
		ID:        id,
		Question:  question,
		Query:     query,
		Scope:     s.Scope,
		SessionID: s.SessionID,
		FirstSeen: now,
		LastSeen:  now,
	}

	data, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	key := candidatePrefix + id
	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, data, q.retention)
		if q.retention > 0 {
			pipe.Expire(ctx, key, q.retention)
		}
		pipe.HIncrBy(ctx, occurrencesKey, id, 1)
		pipe.ZAdd(ctx, pendingKey, &redis.Z{Score: float64(now.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCandidateWrite, "Failed to record curation candidate").
			WithMetadata("candidate_id", id)
	}

	return nil
}

// Get returns a single candidate
func (q *Queue) Get(ctx context.Context, id string) (*Candidate, error) {
	data, err := q.redis.Get(ctx, candidatePrefix+id).Result()
	if err == redis.Nil {
		return nil, errors.New(errors.ErrCodeEntryNotFound, "Curation candidate not found").
			WithDetails(fmt.Sprintf("No pending candidate with id: %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCandidateRead, "Failed to read curation candidate")
	}

	var candidate Candidate
	if err := json.Unmarshal([]byte(data), &candidate); err != nil {
		return nil, fmt.Errorf("failed to unmarshal candidate: %w", err)
	}

	if err := q.fill(ctx, []*Candidate{&candidate}); err != nil {
		return nil, err
	}
	return &candidate, nil
}

// List returns up to limit pending candidates, most recently seen first
func (q *Queue) List(ctx context.Context, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return []Candidate{}, nil
	}

	ids, err := q.redis.ZRevRange(ctx, pendingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCandidateRead, "Failed to list curation candidates")
	}
	if len(ids) == 0 {
		return []Candidate{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = candidatePrefix + id
	}
	values, err := q.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCandidateRead, "Failed to load curation candidates")
	}

	candidates := make([]Candidate, 0, len(ids))
	var expired []string
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var candidate Candidate
		if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidate %s: %w", ids[i], err)
		}
		candidates = append(candidates, candidate)
	}

	// Records that outlived their retention leave ids behind
	if len(expired) > 0 {
		q.forget(ctx, expired...)
	}

	refs := make([]*Candidate, len(candidates))
	for i := range candidates {
		refs[i] = &candidates[i]
	}
	if err := q.fill(ctx, refs); err != nil {
		return nil, err
	}

	return candidates, nil
}

// Remove drops a candidate after it was approved or rejected
func (q *Queue) Remove(ctx context.Context, id string) error {
	removed, err := q.redis.Del(ctx, candidatePrefix+id).Result()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCandidateWrite, "Failed to remove curation candidate")
	}
	q.forget(ctx, id)

	if removed == 0 {
		return errors.New(errors.ErrCodeEntryNotFound, "Curation candidate not found").
			WithDetails(fmt.Sprintf("No pending candidate with id: %s", id))
	}
	return nil
}

// Len returns the number of pending candidate ids
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.redis.ZCard(ctx, pendingKey).Result()
}

// fill sets occurrence counts and last-seen times from the index structures
func (q *Queue) fill(ctx context.Context, candidates []*Candidate) error {
	if len(candidates) == 0 {
		return nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}

	var scores []*redis.FloatCmd
	counts, err := q.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HMGet(ctx, occurrencesKey, ids...)
		for _, id := range ids {
			scores = append(scores, pipe.ZScore(ctx, pendingKey, id))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return errors.Wrap(err, errors.ErrCodeCandidateRead, "Failed to read candidate counters")
	}

	occurrences := counts[0].(*redis.SliceCmd).Val()
	for i, c := range candidates {
		if i < len(occurrences) {
			if raw, ok := occurrences[i].(string); ok {
				c.Occurrences, _ = strconv.ParseInt(raw, 10, 64)
			}
		}
		if score, err := scores[i].Result(); err == nil {
			c.LastSeen = time.UnixMilli(int64(score)).UTC()
		}
	}
	return nil
}

func (q *Queue) forget(ctx context.Context, ids ...string) {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, pendingKey, members...)
		pipe.HDel(ctx, occurrencesKey, ids...)
		return nil
	})
}
