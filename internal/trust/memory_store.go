package trust

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]*TrustScore // sessionID → document
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory trust store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]*TrustScore)}
}

// clone deep-copies a document through JSON so callers never share state
// with the store. Mirrors the round-trip the Postgres store performs.
func clone(ts *TrustScore) *TrustScore {
	raw, _ := json.Marshal(ts)
	var out TrustScore
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (s *MemoryStore) Create(_ context.Context, ts *TrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[ts.SessionID] = clone(ts)
	return nil
}

func (s *MemoryStore) GetBySession(_ context.Context, sessionID string) (*TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.scores[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(ts), nil
}

func (s *MemoryStore) UpdateCAS(_ context.Context, ts *TrustScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.scores[ts.SessionID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != ts.Version {
		return ErrVersionConflict
	}
	ts.Version++
	ts.UpdatedAt = time.Now().UTC()
	s.scores[ts.SessionID] = clone(ts)
	return nil
}

func (s *MemoryStore) ListScoringDue(_ context.Context, before time.Time, limit int) ([]*TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*TrustScore
	for _, ts := range s.scores {
		if ts.Terminated() {
			continue
		}
		if !ts.NextScoringAt.After(before) {
			due = append(due, clone(ts))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextScoringAt.Before(due[j].NextScoringAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ListActiveByUser(_ context.Context, userID string) ([]*TrustScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TrustScore
	for _, ts := range s.scores {
		if ts.UserID == userID && !ts.Terminated() {
			out = append(out, clone(ts))
		}
	}
	return out, nil
}
