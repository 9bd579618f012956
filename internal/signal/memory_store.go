package signal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fintrack/sentinel/internal/pagination"
	"github.com/fintrack/sentinel/internal/policy"
)

// MemoryStore is an in-memory Store for tests and single-node use.
type MemoryStore struct {
	mu           sync.RWMutex
	signals      map[string]*BehaviorSignal   // id → signal
	bySession    map[string][]string          // sessionID → ids in insert order
	observations map[string][]policy.Observation // userID → history
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals:      make(map[string]*BehaviorSignal),
		bySession:    make(map[string][]string),
		observations: make(map[string][]policy.Observation),
	}
}

var _ Store = (*MemoryStore)(nil)
var _ policy.SignalStats = (*MemoryStore)(nil)
var _ policy.ObservationSource = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, s *BehaviorSignal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createLocked(s)
	return nil
}

func (m *MemoryStore) CreateBatch(_ context.Context, signals []*BehaviorSignal) error {
	for _, s := range signals {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range signals {
		m.createLocked(s)
	}
	return nil
}

func (m *MemoryStore) createLocked(s *BehaviorSignal) {
	cp := *s
	m.signals[s.ID] = &cp
	m.bySession[s.SessionID] = append(m.bySession[s.SessionID], s.ID)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*BehaviorSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListBySession(_ context.Context, sessionID string, before *pagination.Cursor, limit int) ([]*BehaviorSignal, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySession[sessionID]
	out := make([]*BehaviorSignal, 0, minInt(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		s := m.signals[ids[i]]
		if before != nil {
			if s.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if s.CreatedAt.Equal(before.CreatedAt) && s.ID >= before.ID {
				continue
			}
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListRecentBySession(_ context.Context, sessionID string, since time.Time) ([]*BehaviorSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*BehaviorSignal
	for _, id := range m.bySession[sessionID] {
		s := m.signals[id]
		if s.CreatedAt.Before(since) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkFalsePositive(_ context.Context, id string) (*BehaviorSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.FalsePositive = true
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) RefineAnomalyScore(_ context.Context, id string, score float64) error {
	if score < 0 || score > 100 {
		return ErrInvalidSignal
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return ErrNotFound
	}
	s.AnomalyScore = score
	return nil
}

func (m *MemoryStore) RecordObservation(_ context.Context, userID string, obs policy.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observations[userID] = append(m.observations[userID], obs)
	return nil
}

func (m *MemoryStore) CountRecent(_ context.Context, userID string, since time.Time) (total, falsePositives, criticalThreats int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.signals {
		if s.UserID != userID || s.CreatedAt.Before(since) {
			continue
		}
		total++
		if s.FalsePositive {
			falsePositives++
			continue
		}
		if s.Severity == SeverityCritical && threatClassTypes[s.Type] {
			criticalThreats++
		}
	}
	return total, falsePositives, criticalThreats, nil
}

func (m *MemoryStore) RecentObservations(_ context.Context, userID string, since time.Time) ([]policy.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []policy.Observation
	for _, obs := range m.observations[userID] {
		if !obs.CreatedAt.Before(since) {
			out = append(out, obs)
		}
	}
	return out, nil
}

func (m *MemoryStore) UsersWithRecentActivity(_ context.Context, since time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for userID, history := range m.observations {
		for _, obs := range history {
			if !obs.CreatedAt.Before(since) {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
