package repositories

import (
	"context"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/circuitbreaker"
)

// breakerStore guards a session store with a circuit breaker so a
// flapping backend fails fast instead of burning retries on every
// write.
type breakerStore struct {
	inner   ports.SessionStore
	breaker *circuitbreaker.CircuitBreaker
}

func newBreakerStore(inner ports.SessionStore) ports.SessionStore {
	return &breakerStore{
		inner:   inner,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

func (s *breakerStore) Upsert(ctx context.Context, rec *domain.SessionRecord) error {
	return s.breaker.Execute(ctx, func() error {
		return s.inner.Upsert(ctx, rec)
	})
}

func (s *breakerStore) GetByID(ctx context.Context, id domain.StreamID) (*domain.SessionRecord, error) {
	var rec *domain.SessionRecord
	err := s.breaker.Execute(ctx, func() error {
		var innerErr error
		rec, innerErr = s.inner.GetByID(ctx, id)
		return innerErr
	})
	return rec, err
}

func (s *breakerStore) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	var recs []*domain.SessionRecord
	err := s.breaker.Execute(ctx, func() error {
		var innerErr error
		recs, innerErr = s.inner.ListActive(ctx)
		return innerErr
	})
	return recs, err
}

func (s *breakerStore) Delete(ctx context.Context, id domain.StreamID) error {
	return s.breaker.Execute(ctx, func() error {
		return s.inner.Delete(ctx, id)
	})
}
