package status

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Its contents are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]Status)}
}

func (m *MemoryStore) Start(ctx context.Context, target, runID string, selected []string) (Status, error) {
	s := Status{
		Target:    target,
		RunID:     runID,
		Phase:     PhaseStarting,
		Message:   "sync requested",
		Selected:  append([]string(nil), selected...),
		UpdatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.statuses[target] = s
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) Update(ctx context.Context, target string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[target] = apply(m.statuses[target], target, u)
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, target string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[target]
	if !ok {
		return NotFound(target), nil
	}
	s.Selected = append([]string(nil), s.Selected...)
	return s, nil
}

func (m *MemoryStore) Forget(ctx context.Context, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target == AllTargets {
		m.statuses = make(map[string]Status)
		return nil
	}
	delete(m.statuses, target)
	return nil
}
