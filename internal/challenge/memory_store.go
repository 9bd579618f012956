package challenge

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node use.
type MemoryStore struct {
	mu         sync.RWMutex
	challenges map[string]*Challenge
	bySession  map[string][]string // sessionID → ids in insert order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]*Challenge),
		bySession:  make(map[string][]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func clone(c *Challenge) *Challenge {
	cp := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	cp.Attempts = append([]Attempt(nil), c.Attempts...)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenges[c.ID] = clone(c)
	m.bySession[c.SessionID] = append(m.bySession[c.SessionID], c.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.challenges[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *MemoryStore) Update(_ context.Context, c *Challenge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[c.ID]; !ok {
		return ErrNotFound
	}
	m.challenges[c.ID] = clone(c)
	return nil
}

func (m *MemoryStore) GetPendingBySession(_ context.Context, sessionID string) (*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySession[sessionID]
	for i := len(ids) - 1; i >= 0; i-- {
		if c := m.challenges[ids[i]]; c.Status == StatusPending {
			return clone(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListBySession(_ context.Context, sessionID string) ([]*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySession[sessionID]
	out := make([]*Challenge, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, clone(m.challenges[ids[i]]))
	}
	return out, nil
}

func (m *MemoryStore) CountIssuedSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.challenges {
		if c.UserID == userID && !c.IssuedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LastIssuedAt(_ context.Context, sessionID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	found := false
	for _, id := range m.bySession[sessionID] {
		c := m.challenges[id]
		if c.IssuedAt.After(last) {
			last = c.IssuedAt
			found = true
		}
	}
	return last, found, nil
}

func (m *MemoryStore) ListExpiredPending(_ context.Context, before time.Time, limit int) ([]*Challenge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Challenge
	for _, c := range m.challenges {
		if c.Status == StatusPending && c.ExpiresAt.Before(before) {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
