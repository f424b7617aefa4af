package memory

import (
	"context"
	"testing"

	"castrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreUpsertAndGet(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	rec := &domain.SessionRecord{
		StreamID:      "stream-1",
		BroadcasterID: "streamer-1",
		Title:         "first",
		Visibility:    domain.VisibilityPublic,
		Active:        true,
	}
	require.NoError(t, store.Upsert(ctx, rec))

	got, err := store.GetByID(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)

	// Stored copy is isolated from later caller mutation.
	rec.Title = "mutated"
	got, err = store.GetByID(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Title)

	// Upsert replaces.
	rec.Title = "second"
	require.NoError(t, store.Upsert(ctx, rec))
	got, err = store.GetByID(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Title)
}

func TestSessionStoreGetMissing(t *testing.T) {
	store := NewMemorySessionStore()
	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionStoreListActive(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &domain.SessionRecord{StreamID: "live", Active: true}))
	require.NoError(t, store.Upsert(ctx, &domain.SessionRecord{StreamID: "ended", Active: false}))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.StreamID("live"), active[0].StreamID)
}

func TestSessionStoreDelete(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &domain.SessionRecord{StreamID: "stream-1"}))
	require.NoError(t, store.Delete(ctx, "stream-1"))
	require.NoError(t, store.Delete(ctx, "stream-1"))

	_, err := store.GetByID(ctx, "stream-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
