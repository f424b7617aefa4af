package signal

import (
	"fmt"
	"testing"

	"castrelay/internal/core/domain"
	"castrelay/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub() (*Registry, *Directory) {
	registry := NewRegistry(logger.Nop(), nil)
	rooms := NewDirectory(registry, 100, 50, logger.Nop(), nil)
	return registry, rooms
}

func typesOf(envs []*domain.Envelope) []domain.MessageType {
	out := make([]domain.MessageType, len(envs))
	for i, env := range envs {
		out[i] = env.Type
	}
	return out
}

func lastEnvelope(t *testing.T, tr *fakeTransport) *domain.Envelope {
	envs := tr.envelopes(t)
	require.NotEmpty(t, envs)
	return envs[len(envs)-1]
}

func TestRoomJoinAnnouncesToOthersOnly(t *testing.T) {
	registry, rooms := newTestHub()

	aliceTr := &fakeTransport{}
	alice := registry.Register(aliceTr, "alice")
	require.True(t, rooms.Join(alice, "stream-1"))

	bobTr := &fakeTransport{}
	bob := registry.Register(bobTr, "bob")
	require.True(t, rooms.Join(bob, "stream-1"))

	// Alice sees bob's arrival; bob does not see his own join event.
	joined := lastEnvelope(t, aliceTr)
	assert.Equal(t, domain.MessageUserJoined, joined.Type)
	assert.Equal(t, "bob", joined.Data["user_id"])
	assert.Equal(t, domain.UserID(domain.SystemSender), joined.SenderID)

	assert.NotContains(t, typesOf(bobTr.envelopes(t)), domain.MessageUserJoined)
}

func TestRoomLeaveAnnouncesToRemaining(t *testing.T) {
	registry, rooms := newTestHub()

	aliceTr := &fakeTransport{}
	alice := registry.Register(aliceTr, "alice")
	rooms.Join(alice, "stream-1")

	bobTr := &fakeTransport{}
	bob := registry.Register(bobTr, "bob")
	rooms.Join(bob, "stream-1")

	rooms.Leave(bob)

	left := lastEnvelope(t, aliceTr)
	assert.Equal(t, domain.MessageUserLeft, left.Type)
	assert.Equal(t, "bob", left.Data["user_id"])

	_, inRoom := registry.RoomOf(bob)
	assert.False(t, inRoom)
	assert.Contains(t, rooms.Members("stream-1"), alice)
	assert.NotContains(t, rooms.Members("stream-1"), bob)
}

func TestRoomDeletedWhenEmpty(t *testing.T) {
	registry, rooms := newTestHub()

	conn := registry.Register(&fakeTransport{}, "alice")
	rooms.Join(conn, "stream-1")
	require.Equal(t, 1, rooms.RoomCount())

	rooms.PostChat(conn, "hello")
	rooms.Leave(conn)

	assert.Equal(t, 0, rooms.RoomCount())

	// Chat log went down with the room.
	conn2 := registry.Register(&fakeTransport{}, "bob")
	rooms.Join(conn2, "stream-1")
	assert.Empty(t, rooms.History("stream-1", 50))
}

func TestJoinMovesConnectionBetweenRooms(t *testing.T) {
	registry, rooms := newTestHub()

	conn := registry.Register(&fakeTransport{}, "alice")
	rooms.Join(conn, "stream-1")
	rooms.Join(conn, "stream-2")

	streamID, ok := registry.RoomOf(conn)
	require.True(t, ok)
	assert.Equal(t, domain.StreamID("stream-2"), streamID)
	assert.Empty(t, rooms.Members("stream-1"))
	assert.Contains(t, rooms.Members("stream-2"), conn)
	assert.Equal(t, 1, rooms.RoomCount())
}

func TestChatBroadcastIncludesAuthor(t *testing.T) {
	registry, rooms := newTestHub()

	aliceTr := &fakeTransport{}
	alice := registry.Register(aliceTr, "alice")
	rooms.Join(alice, "stream-1")

	bobTr := &fakeTransport{}
	bob := registry.Register(bobTr, "bob")
	rooms.Join(bob, "stream-1")

	require.True(t, rooms.PostChat(alice, "  hello room  "))

	for _, tr := range []*fakeTransport{aliceTr, bobTr} {
		env := lastEnvelope(t, tr)
		assert.Equal(t, domain.MessageChat, env.Type)
		assert.Equal(t, "hello room", env.Data["content"])
		assert.Equal(t, domain.UserID("alice"), env.SenderID)
	}
}

func TestChatEmptyContentDroppedSilently(t *testing.T) {
	registry, rooms := newTestHub()

	aliceTr := &fakeTransport{}
	alice := registry.Register(aliceTr, "alice")
	rooms.Join(alice, "stream-1")
	before := len(aliceTr.envelopes(t))

	assert.False(t, rooms.PostChat(alice, "   "))
	assert.False(t, rooms.PostChat(alice, ""))

	assert.Len(t, aliceTr.envelopes(t), before)
	assert.Empty(t, rooms.History("stream-1", 50))
}

func TestChatOutsideRoomGetsErrorEnvelope(t *testing.T) {
	registry, rooms := newTestHub()

	tr := &fakeTransport{}
	conn := registry.Register(tr, "alice")

	assert.False(t, rooms.PostChat(conn, "hello"))
	env := lastEnvelope(t, tr)
	assert.Equal(t, domain.MessageError, env.Type)
}

func TestChatHistoryCapFIFO(t *testing.T) {
	registry := NewRegistry(logger.Nop(), nil)
	rooms := NewDirectory(registry, 5, 50, logger.Nop(), nil)

	conn := registry.Register(&fakeTransport{}, "alice")
	rooms.Join(conn, "stream-1")

	for i := 1; i <= 8; i++ {
		rooms.PostChat(conn, fmt.Sprintf("msg-%d", i))
	}

	history := rooms.History("stream-1", 50)
	require.Len(t, history, 5)
	assert.Equal(t, "msg-4", history[0].Content)
	assert.Equal(t, "msg-8", history[4].Content)
}

func TestHistoryReplaySkipsDeleted(t *testing.T) {
	registry, rooms := newTestHub()

	conn := registry.Register(&fakeTransport{}, "alice")
	rooms.Join(conn, "stream-1")

	rooms.PostChat(conn, "first")
	rooms.PostChat(conn, "second")
	rooms.PostChat(conn, "third")

	history := rooms.History("stream-1", 50)
	require.Len(t, history, 3)
	require.True(t, rooms.DeleteChatMessage("stream-1", history[1].MessageID))

	replayTr := &fakeTransport{}
	replay := registry.Register(replayTr, "bob")
	rooms.Join(replay, "stream-1")
	rooms.ReplayHistory(replay, "stream-1")

	var contents []string
	for _, env := range replayTr.envelopes(t) {
		if env.Type == domain.MessageChat {
			contents = append(contents, env.Data["content"].(string))
		}
	}
	assert.Equal(t, []string{"first", "third"}, contents)
}

func TestHistoryReplayLimitNewestKept(t *testing.T) {
	registry := NewRegistry(logger.Nop(), nil)
	rooms := NewDirectory(registry, 100, 3, logger.Nop(), nil)

	conn := registry.Register(&fakeTransport{}, "alice")
	rooms.Join(conn, "stream-1")
	for i := 1; i <= 6; i++ {
		rooms.PostChat(conn, fmt.Sprintf("msg-%d", i))
	}

	history := rooms.History("stream-1", 3)
	require.Len(t, history, 3)
	// Newest three, oldest first.
	assert.Equal(t, "msg-4", history[0].Content)
	assert.Equal(t, "msg-6", history[2].Content)
}

func TestUnregisterRemovesFromRoom(t *testing.T) {
	registry, rooms := newTestHub()

	aliceTr := &fakeTransport{}
	alice := registry.Register(aliceTr, "alice")
	rooms.Join(alice, "stream-1")

	bob := registry.Register(&fakeTransport{}, "bob")
	rooms.Join(bob, "stream-1")

	registry.Unregister(bob, "connection closed")

	left := lastEnvelope(t, aliceTr)
	assert.Equal(t, domain.MessageUserLeft, left.Type)
	assert.NotContains(t, rooms.Members("stream-1"), bob)
}
