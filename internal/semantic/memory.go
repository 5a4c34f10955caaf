package semantic

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seanankenbruck/nl2sql-gateway/internal/errors"
)

type pairKey struct {
	question string
	query    string
}

// memorySnapshot is never modified after it is published
type memorySnapshot struct {
	entries []CacheEntry
	byID    map[string]int
	pairs   map[pairKey]struct{}
}

// MemoryStore is an in-process VectorStore. Readers work on an immutable
// snapshot; writers publish a modified copy, so a search never observes a
// partially written entry.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[memorySnapshot]
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.snapshot.Store(&memorySnapshot{
		byID:  make(map[string]int),
		pairs: make(map[pairKey]struct{}),
	})
	return s
}

// Append implements VectorStore
func (s *MemoryStore) Append(ctx context.Context, entry CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot.Load()
	key := pairKey{question: entry.Question, query: entry.Query}
	if _, exists := cur.pairs[key]; exists {
		return errors.NewDuplicateEntryError(entry.Question)
	}

	next := cur.clone(1)
	entry.Embedding = append([]float32(nil), entry.Embedding...)
	next.byID[entry.ID] = len(next.entries)
	next.entries = append(next.entries, entry)
	next.pairs[key] = struct{}{}

	s.snapshot.Store(next)
	return nil
}

// Nearest implements VectorStore
func (s *MemoryStore) Nearest(ctx context.Context, vector []float32, k int, scope string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	snap := s.snapshot.Load()
	matches := make([]Match, 0, len(snap.entries))
	for _, entry := range snap.entries {
		if scope != "" && entry.Scope != scope {
			continue
		}
		matches = append(matches, Match{
			Entry: entry,
			Score: CosineSimilarity(vector, entry.Embedding),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return Outranks(matches[i], matches[j])
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Touch implements VectorStore
func (s *MemoryStore) Touch(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snapshot.Load()
	idx, ok := cur.byID[id]
	if !ok {
		return errors.NewEntryNotFoundError(id)
	}

	next := cur.clone(0)
	used := at
	next.entries[idx].HitCount++
	next.entries[idx].LastUsedAt = &used

	s.snapshot.Store(next)
	return nil
}

// Get returns a copy of the entry with the given id
func (s *MemoryStore) Get(id string) (CacheEntry, bool) {
	snap := s.snapshot.Load()
	idx, ok := snap.byID[id]
	if !ok {
		return CacheEntry{}, false
	}
	return snap.entries[idx], true
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	return len(s.snapshot.Load().entries)
}

func (snap *memorySnapshot) clone(extra int) *memorySnapshot {
	next := &memorySnapshot{
		entries: make([]CacheEntry, len(snap.entries), len(snap.entries)+extra),
		byID:    make(map[string]int, len(snap.byID)+extra),
		pairs:   make(map[pairKey]struct{}, len(snap.pairs)+extra),
	}
	copy(next.entries, snap.entries)
	for id, idx := range snap.byID {
		next.byID[id] = idx
	}
	for key := range snap.pairs {
		next.pairs[key] = struct{}{}
	}
	return next
}
