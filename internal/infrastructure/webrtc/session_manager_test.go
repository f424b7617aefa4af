package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/logger"
	"castrelay/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthorizer struct {
	denyActions map[ports.Action]bool
	denyView    bool
}

func (f *fakeAuthorizer) Authorize(ctx context.Context, userID domain.UserID, action ports.Action, resource string) bool {
	return !f.denyActions[action]
}

func (f *fakeAuthorizer) CanViewStream(ctx context.Context, userID domain.UserID, visibility domain.Visibility, broadcasterID domain.UserID) bool {
	return !f.denyView
}

type fakeNotifier struct {
	mu      sync.Mutex
	started []domain.StreamID
	ended   []domain.StreamID
}

func (f *fakeNotifier) NotifyStreamStarted(streamID domain.StreamID, broadcasterID domain.UserID, title string) {
	f.mu.Lock()
	f.started = append(f.started, streamID)
	f.mu.Unlock()
}

func (f *fakeNotifier) NotifyStreamEnded(streamID domain.StreamID) {
	f.mu.Lock()
	f.ended = append(f.ended, streamID)
	f.mu.Unlock()
}

func (f *fakeNotifier) endedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ended)
}

type fakeStore struct {
	mu      sync.Mutex
	upserts []*domain.SessionRecord
}

func (f *fakeStore) Upsert(ctx context.Context, rec *domain.SessionRecord) error {
	f.mu.Lock()
	f.upserts = append(f.upserts, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) GetByID(ctx context.Context, id domain.StreamID) (*domain.SessionRecord, error) {
	return nil, domain.ErrSessionNotFound
}

func (f *fakeStore) ListActive(ctx context.Context) ([]*domain.SessionRecord, error) {
	return nil, nil
}

func (f *fakeStore) Delete(ctx context.Context, id domain.StreamID) error {
	return nil
}

func (f *fakeStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func newTestManager(t *testing.T) (*Manager, *fakeNotifier, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	m := NewManager(Config{DefaultMaxViewers: 100}, &fakeAuthorizer{}, store, logger.Nop(), nil)
	notifier := &fakeNotifier{}
	m.SetNotifier(notifier)
	return m, notifier, store
}

func startedSession(t *testing.T, m *Manager, broadcaster domain.UserID, maxViewers int) domain.StreamID {
	t.Helper()
	ctx := context.Background()
	summary, err := m.CreateSession(ctx, broadcaster, "test stream", domain.VisibilityPublic, maxViewers)
	require.NoError(t, err)
	_, err = m.StartBroadcast(ctx, broadcaster, summary.StreamID)
	require.NoError(t, err)
	return summary.StreamID
}

func TestCreateSessionDuplicateBroadcaster(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.CreateSession(ctx, "streamer-1", "first", domain.VisibilityPublic, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, first.MaxViewers)

	_, err = m.CreateSession(ctx, "streamer-1", "second", domain.VisibilityPublic, 0)
	assert.ErrorIs(t, err, domain.ErrDuplicateSession)

	// A different broadcaster is unaffected.
	_, err = m.CreateSession(ctx, "streamer-2", "other", domain.VisibilityPublic, 0)
	assert.NoError(t, err)
}

func TestCreateSessionUnauthorized(t *testing.T) {
	auth := &fakeAuthorizer{denyActions: map[ports.Action]bool{ports.ActionCreateStream: true}}
	m := NewManager(Config{}, auth, nil, logger.Nop(), nil)

	_, err := m.CreateSession(context.Background(), "viewer-1", "nope", domain.VisibilityPublic, 0)
	assert.ErrorIs(t, err, domain.ErrNotBroadcaster)
}

func TestStartBroadcastOwnerOnly(t *testing.T) {
	m, notifier, _ := newTestManager(t)
	ctx := context.Background()

	summary, err := m.CreateSession(ctx, "streamer-1", "show", domain.VisibilityPublic, 0)
	require.NoError(t, err)

	_, err = m.StartBroadcast(ctx, "intruder", summary.StreamID)
	assert.ErrorIs(t, err, domain.ErrNotBroadcaster)

	started, err := m.StartBroadcast(ctx, "streamer-1", summary.StreamID)
	require.NoError(t, err)
	assert.True(t, started.Active)
	assert.Equal(t, []domain.StreamID{summary.StreamID}, notifier.started)
}

func TestJoinBeforeStartRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	summary, err := m.CreateSession(ctx, "streamer-1", "show", domain.VisibilityPublic, 0)
	require.NoError(t, err)

	_, err = m.JoinAsViewer(ctx, "viewer-1", summary.StreamID)
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestJoinUnknownStream(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.JoinAsViewer(context.Background(), "viewer-1", "no-such-stream")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestViewerCapacityEnforced(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	summary, err := m.CreateSession(ctx, "streamer-1", "small room", domain.VisibilityPublic, 1)
	require.NoError(t, err)
	_, err = m.StartBroadcast(ctx, "streamer-1", summary.StreamID)
	require.NoError(t, err)

	_, err = m.JoinAsViewer(ctx, "viewer-1", summary.StreamID)
	require.NoError(t, err)

	_, err = m.JoinAsViewer(ctx, "viewer-2", summary.StreamID)
	assert.ErrorIs(t, err, domain.ErrViewerCapacity)

	info, err := m.SessionInfo(summary.StreamID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ViewerCount)
}

func TestViewerRejoinDoesNotDoubleCount(t *testing.T) {
	m, _, _ := newTestManager(t)
	streamID := startedSession(t, m, "streamer-1", 10)
	ctx := context.Background()

	_, err := m.JoinAsViewer(ctx, "viewer-1", streamID)
	require.NoError(t, err)
	_, err = m.JoinAsViewer(ctx, "viewer-1", streamID)
	require.NoError(t, err)

	info, err := m.SessionInfo(streamID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ViewerCount)
}

func TestBroadcasterUplinkReplacementKeepsSession(t *testing.T) {
	m, notifier, _ := newTestManager(t)
	streamID := startedSession(t, m, "streamer-1", 10)
	ctx := context.Background()

	oldID, err := m.OpenNegotiation(ctx, "streamer-1", streamID)
	require.NoError(t, err)
	m.mu.RLock()
	old := m.handles[oldID]
	m.mu.RUnlock()
	require.NotNil(t, old)

	newID, err := m.OpenNegotiation(ctx, "streamer-1", streamID)
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	// The replaced uplink's close callback arrives after the session
	// already owns the new handle; it must not end the session.
	m.teardownHandle(old)

	info, err := m.SessionInfo(streamID)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, 0, notifier.endedCount())

	m.mu.RLock()
	_, newAlive := m.handles[newID]
	m.mu.RUnlock()
	assert.True(t, newAlive, "replacement uplink must survive the stale teardown")

	// The asynchronous close of the old peer connection reports the same
	// way; the session must still be live once it lands.
	assert.Eventually(t, func() bool {
		_, err := m.SessionInfo(streamID)
		return err == nil && notifier.endedCount() == 0
	}, 2*time.Second, 50*time.Millisecond)
}

func TestViewerRejoinSurvivesStaleHandleTeardown(t *testing.T) {
	m, _, _ := newTestManager(t)
	streamID := startedSession(t, m, "streamer-1", 10)
	ctx := context.Background()

	firstID, err := m.JoinAsViewer(ctx, "viewer-1", streamID)
	require.NoError(t, err)
	m.mu.RLock()
	old := m.handles[firstID]
	m.mu.RUnlock()
	require.NotNil(t, old)

	secondID, err := m.JoinAsViewer(ctx, "viewer-1", streamID)
	require.NoError(t, err)
	require.NotEqual(t, firstID, secondID)

	// The first downlink's close callback must not evict the rejoined
	// viewer's fresh entry.
	m.teardownHandle(old)

	info, err := m.SessionInfo(streamID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ViewerCount)

	m.mu.RLock()
	_, secondAlive := m.handles[secondID]
	m.mu.RUnlock()
	assert.True(t, secondAlive)

	require.NoError(t, m.Leave(ctx, "viewer-1", streamID))
	info, err = m.SessionInfo(streamID)
	require.NoError(t, err)
	assert.Equal(t, 0, info.ViewerCount)
}

func TestBroadcasterLeaveCascades(t *testing.T) {
	m, notifier, _ := newTestManager(t)
	streamID := startedSession(t, m, "streamer-1", 10)
	ctx := context.Background()

	_, err := m.JoinAsViewer(ctx, "viewer-1", streamID)
	require.NoError(t, err)
	_, err = m.JoinAsViewer(ctx, "viewer-2", streamID)
	require.NoError(t, err)

	require.NoError(t, m.Leave(ctx, "streamer-1", streamID))

	_, err = m.SessionInfo(streamID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Empty(t, m.ActiveSessions())
	assert.Equal(t, 1, notifier.endedCount())

	// The broadcaster can immediately open a fresh session.
	_, err = m.CreateSession(ctx, "streamer-1", "again", domain.VisibilityPublic, 0)
	assert.NoError(t, err)
}

func TestViewerLeaveKeepsSessionLive(t *testing.T) {
	m, notifier, _ := newTestManager(t)
	streamID := startedSession(t, m, "streamer-1", 10)
	ctx := context.Background()

	_, err := m.JoinAsViewer(ctx, "viewer-1", streamID)
	require.NoError(t, err)

	require.NoError(t, m.Leave(ctx, "viewer-1", streamID))

	info, err := m.SessionInfo(streamID)
	require.NoError(t, err)
	assert.True(t, info.Active)
	assert.Equal(t, 0, info.ViewerCount)
	assert.Equal(t, 0, notifier.endedCount())
}

func TestTipAccumulates(t *testing.T) {
	m, _, _ := newTestManager(t)
	streamID := startedSession(t, m, "streamer-1", 10)
	ctx := context.Background()

	total, err := m.Tip(ctx, "viewer-1", streamID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5.0, total)

	total, err = m.Tip(ctx, "viewer-2", streamID, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 7.5, total)

	info, err := m.SessionInfo(streamID)
	require.NoError(t, err)
	assert.Equal(t, 7.5, info.TipsReceived)
}

func TestTipOnInactiveSessionRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	summary, err := m.CreateSession(ctx, "streamer-1", "not live", domain.VisibilityPublic, 0)
	require.NoError(t, err)

	_, err = m.Tip(ctx, "viewer-1", summary.StreamID, 5)
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestSessionPersistedAsynchronously(t *testing.T) {
	m, _, store := newTestManager(t)
	streamID := startedSession(t, m, "streamer-1", 10)

	assert.Eventually(t, func() bool {
		return store.upsertCount() >= 2
	}, 2*time.Second, 10*time.Millisecond, "create and start should both persist")

	_, err := m.SessionInfo(streamID)
	assert.NoError(t, err)
}

func TestReclaimInactiveEvictsAbandonedSessions(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	utils.Now = func() time.Time { return base }
	defer func() { utils.Now = time.Now }()

	m, notifier, _ := newTestManager(t)
	streamID := startedSession(t, m, "streamer-1", 10)

	// Nothing to reclaim yet.
	assert.Equal(t, 0, m.ReclaimInactive(5*time.Minute))

	// No uplink was ever opened and the session has been silent past the
	// threshold.
	utils.Now = func() time.Time { return base.Add(6 * time.Minute) }
	assert.Equal(t, 1, m.ReclaimInactive(5*time.Minute))

	_, err := m.SessionInfo(streamID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, 1, notifier.endedCount())
}

func TestActiveSessionsListsOnlyLive(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "streamer-1", "draft", domain.VisibilityPublic, 0)
	require.NoError(t, err)
	live := startedSession(t, m, "streamer-2", 10)

	sessions := m.ActiveSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, live, sessions[0].StreamID)
}
