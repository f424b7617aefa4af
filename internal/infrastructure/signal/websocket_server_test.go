package signal

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/services"
	"castrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsHarness struct {
	registry *Registry
	rooms    *Directory
	auth     services.AuthService
	server   *httptest.Server
}

func newWSHarness(t *testing.T, messagesPerWindow int) *wsHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := NewRegistry(logger.Nop(), nil)
	rooms := NewDirectory(registry, 100, 50, logger.Nop(), nil)
	router := NewRouter(registry, rooms, logger.Nop(), nil)
	limiter := NewRateLimiter(messagesPerWindow, time.Minute)
	auth := services.NewAuthService("test-secret", 15*time.Minute)

	ws := NewWebSocketServer(
		registry, rooms, router, limiter, auth,
		30*time.Second, 60*time.Second, 10*time.Second,
		logger.Nop(), nil,
	)

	engine := gin.New()
	engine.GET("/ws/stream/:id", ws.HandleStream)
	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	return &wsHarness{registry: registry, rooms: rooms, auth: auth, server: server}
}

func (h *wsHarness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *domain.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env domain.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return &env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *domain.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestWebSocketConnectDeliversSuccessEnvelope(t *testing.T) {
	h := newWSHarness(t, 30)
	conn := h.dial(t, "/ws/stream/live-1")

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.MessageSuccess, env.Type)
	assert.NotEmpty(t, env.Data["connection_id"])

	userID, ok := env.Data["user_id"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(userID, "anonymous_"))
}

func TestWebSocketTokenIdentity(t *testing.T) {
	h := newWSHarness(t, 30)

	token, err := h.auth.GenerateToken("user-42", "alice", services.RoleViewer, false)
	require.NoError(t, err)

	conn := h.dial(t, "/ws/stream/live-1?token="+token)
	env := readEnvelope(t, conn)
	assert.Equal(t, "user-42", env.Data["user_id"])
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	h := newWSHarness(t, 30)

	sender := h.dial(t, "/ws/stream/live-1")
	readEnvelope(t, sender) // success

	receiver := h.dial(t, "/ws/stream/live-1")
	readEnvelope(t, receiver) // success

	// Sender sees the second join's presence event.
	joined := readEnvelope(t, sender)
	assert.Equal(t, domain.MessageUserJoined, joined.Type)

	writeEnvelope(t, sender, &domain.Envelope{
		Type: domain.MessageChat,
		Data: map[string]interface{}{"content": "hello everyone"},
	})

	// Both room members get the chat, author included.
	for _, conn := range []*websocket.Conn{sender, receiver} {
		env := readEnvelope(t, conn)
		assert.Equal(t, domain.MessageChat, env.Type)
		assert.Equal(t, "hello everyone", env.Data["content"])
	}
}

func TestWebSocketMalformedMessageGetsErrorEnvelope(t *testing.T) {
	h := newWSHarness(t, 30)
	conn := h.dial(t, "/ws/stream/live-1")
	readEnvelope(t, conn) // success

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, conn)
	assert.Equal(t, domain.MessageError, env.Type)

	// The connection stays usable afterwards.
	writeEnvelope(t, conn, &domain.Envelope{
		Type: domain.MessageChat,
		Data: map[string]interface{}{"content": "still here"},
	})
	env = readEnvelope(t, conn)
	assert.Equal(t, domain.MessageChat, env.Type)
}

func TestWebSocketRateLimitRejectsWithoutDisconnect(t *testing.T) {
	h := newWSHarness(t, 2)
	conn := h.dial(t, "/ws/stream/live-1")
	readEnvelope(t, conn) // success

	for i := 0; i < 2; i++ {
		writeEnvelope(t, conn, &domain.Envelope{
			Type: domain.MessageChat,
			Data: map[string]interface{}{"content": "spam"},
		})
		env := readEnvelope(t, conn)
		assert.Equal(t, domain.MessageChat, env.Type)
	}

	writeEnvelope(t, conn, &domain.Envelope{
		Type: domain.MessageChat,
		Data: map[string]interface{}{"content": "over the limit"},
	})
	env := readEnvelope(t, conn)
	assert.Equal(t, domain.MessageError, env.Type)
	assert.Equal(t, "Rate limit exceeded", env.Data["message"])

	assert.Equal(t, 1, h.registry.Count())
}

func TestWebSocketAbruptCloseWithQueuedMessagesCleansUp(t *testing.T) {
	h := newWSHarness(t, 1000)
	conn := h.dial(t, "/ws/stream/live-1")
	readEnvelope(t, conn)

	// Queue more inbound messages than the server buffers, then vanish
	// without reading any of the replies.
	for i := 0; i < 50; i++ {
		writeEnvelope(t, conn, &domain.Envelope{
			Type: domain.MessageChat,
			Data: map[string]interface{}{"content": "burst"},
		})
	}
	conn.Close()

	assert.Eventually(t, func() bool {
		return h.registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketDisconnectCleansUp(t *testing.T) {
	h := newWSHarness(t, 30)

	stayTr := h.dial(t, "/ws/stream/live-1")
	readEnvelope(t, stayTr)

	leaving := h.dial(t, "/ws/stream/live-1")
	readEnvelope(t, leaving)
	readEnvelope(t, stayTr) // user_joined

	leaving.Close()

	// The remaining member sees the departure.
	env := readEnvelope(t, stayTr)
	assert.Equal(t, domain.MessageUserLeft, env.Type)

	assert.Eventually(t, func() bool {
		return h.registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}
