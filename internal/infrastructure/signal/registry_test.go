package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/pkg/logger"
	"castrelay/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	messages  [][]byte
	failWrite bool
	closed    bool
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrite {
		return errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.messages = append(t.messages, cp)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) envelopes(tb testing.TB) []*domain.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*domain.Envelope, 0, len(t.messages))
	for _, raw := range t.messages {
		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			tb.Fatalf("malformed envelope on wire: %v", err)
		}
		out = append(out, &env)
	}
	return out
}

func newTestRegistry() *Registry {
	return NewRegistry(logger.Nop(), nil)
}

func TestRegistryRegisterAndSend(t *testing.T) {
	r := newTestRegistry()
	transport := &fakeTransport{}

	connID := r.Register(transport, "user-1")
	require.NotEmpty(t, connID)
	assert.Equal(t, 1, r.Count())

	ok := r.Send(connID, domain.NewSuccessEnvelope(map[string]interface{}{"hello": "world"}))
	require.True(t, ok)

	envs := transport.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, domain.MessageSuccess, envs[0].Type)
	assert.NotEmpty(t, envs[0].Timestamp)
	assert.NotEmpty(t, envs[0].MessageID)
}

func TestRegistryLastWriterWins(t *testing.T) {
	r := newTestRegistry()
	first := &fakeTransport{}
	second := &fakeTransport{}

	oldID := r.Register(first, "user-1")
	newID := r.Register(second, "user-1")

	assert.NotEqual(t, oldID, newID)
	assert.Equal(t, 1, r.Count())
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())

	// The user's identity now resolves to the new connection.
	ok := r.SendToUser("user-1", domain.NewSuccessEnvelope(nil))
	require.True(t, ok)
	assert.Empty(t, first.envelopes(t))
	assert.Len(t, second.envelopes(t), 1)
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	r := newTestRegistry()
	transport := &fakeTransport{}
	connID := r.Register(transport, "user-1")

	r.Unregister(connID, "test")
	r.Unregister(connID, "test again")
	r.Unregister("no-such-connection", "test")

	assert.Equal(t, 0, r.Count())
	assert.True(t, transport.isClosed())
	assert.False(t, r.Send(connID, domain.NewSuccessEnvelope(nil)))
}

func TestRegistrySendFailureTearsDownConnection(t *testing.T) {
	r := newTestRegistry()
	transport := &fakeTransport{failWrite: true}
	connID := r.Register(transport, "user-1")

	ok := r.Send(connID, domain.NewSuccessEnvelope(nil))
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
	assert.True(t, transport.isClosed())
}

func TestRegistrySendToUnknownUser(t *testing.T) {
	r := newTestRegistry()
	assert.False(t, r.SendToUser("nobody", domain.NewSuccessEnvelope(nil)))
}

func TestRegistryIdleConnections(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	utils.Now = func() time.Time { return base }
	defer func() { utils.Now = time.Now }()

	r := newTestRegistry()
	idleConn := r.Register(&fakeTransport{}, "idle-user")
	activeConn := r.Register(&fakeTransport{}, "active-user")

	utils.Now = func() time.Time { return base.Add(4 * time.Minute) }
	r.Touch(activeConn)

	utils.Now = func() time.Time { return base.Add(6 * time.Minute) }
	idle := r.IdleConnections(5 * time.Minute)

	require.Len(t, idle, 1)
	assert.Equal(t, idleConn, idle[0])
}

func TestRegistryRoomPointer(t *testing.T) {
	r := newTestRegistry()
	connID := r.Register(&fakeTransport{}, "user-1")

	_, ok := r.RoomOf(connID)
	assert.False(t, ok)

	r.SetRoom(connID, "stream-1")
	streamID, ok := r.RoomOf(connID)
	require.True(t, ok)
	assert.Equal(t, domain.StreamID("stream-1"), streamID)

	r.ClearRoom(connID)
	_, ok = r.RoomOf(connID)
	assert.False(t, ok)
}
