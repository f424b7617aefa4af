package ports

import (
	"context"

	"castrelay/internal/core/domain"
)

// SessionStore is the persistence collaborator for session metadata.
// Callers treat writes as fire-and-forget; a store failure must never
// block or abort the signaling action already performed.
type SessionStore interface {
	Upsert(ctx context.Context, rec *domain.SessionRecord) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.SessionRecord, error)
	ListActive(ctx context.Context) ([]*domain.SessionRecord, error)
	Delete(ctx context.Context, id domain.StreamID) error
}
