package policy

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // userID → policy
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*Policy)}
}

func clonePolicy(p *Policy) *Policy {
	raw, _ := json.Marshal(p)
	var out Policy
	_ = json.Unmarshal(raw, &out)
	return &out
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePolicy(p), nil
}

func (s *MemoryStore) Save(_ context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = time.Now().UTC()
	s.policies[p.UserID] = clonePolicy(p)
	return nil
}

func (s *MemoryStore) ListDueForAdjustment(_ context.Context, limit int) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var due []*Policy
	for _, p := range s.policies {
		if !p.AutoAdjust.Enabled {
			continue
		}
		interval := time.Duration(p.AutoAdjust.CheckIntervalHours) * time.Hour
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		if now.Sub(p.AutoAdjust.LastCheckedAt) >= interval {
			due = append(due, clonePolicy(p))
		}
		if limit > 0 && len(due) >= limit {
			break
		}
	}
	return due, nil
}
