package memory

import (
	"context"
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
)

// MemorySessionStore keeps session records in process memory. Used when
// Redis is disabled or unreachable.
type MemorySessionStore struct {
	mu      sync.RWMutex
	records map[domain.StreamID]*domain.SessionRecord
}

func NewMemorySessionStore() ports.SessionStore {
	return &MemorySessionStore{
		records: make(map[domain.StreamID]*domain.SessionRecord),
	}
}

func (s *MemorySessionStore) Upsert(ctx context.Context, rec *domain.SessionRecord) error {
	cp := *rec

	s.mu.Lock()
	s.records[rec.StreamID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) GetByID(ctx context.Context, id domain.StreamID) (*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemorySessionStore) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.SessionRecord
	for _, rec := range s.records {
		if rec.Active {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, id domain.StreamID) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}
