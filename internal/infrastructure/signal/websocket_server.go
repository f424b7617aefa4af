package signal

import (
	"net/http"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/services"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsTransport adapts a gorilla connection to the registry's Transport.
// Writes are serialized: the registry, the room fan-out and the ping
// ticker all write concurrently.
type wsTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// WebSocketServer accepts signaling connections at /ws/stream/:id,
// authenticates them, and feeds admitted envelopes to the router.
type WebSocketServer struct {
	registry *Registry
	rooms    *Directory
	router   *Router
	limiter  *RateLimiter
	auth     services.AuthService

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	logger  *zap.SugaredLogger
	metrics *monitoring.Collector
}

func NewWebSocketServer(
	registry *Registry,
	rooms *Directory,
	router *Router,
	limiter *RateLimiter,
	auth services.AuthService,
	pingInterval, pongTimeout, writeTimeout time.Duration,
	logger *zap.SugaredLogger,
	metrics *monitoring.Collector,
) *WebSocketServer {
	return &WebSocketServer{
		registry:     registry,
		rooms:        rooms,
		router:       router,
		limiter:      limiter,
		auth:         auth,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// HandleStream is the gin handler for GET /ws/stream/:id. An optional
// token query parameter authenticates the user; without one the
// connection gets a fresh anonymous identity.
func (s *WebSocketServer) HandleStream(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	userID := s.resolveUser(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err, "user_id", userID)
		return
	}

	transport := &wsTransport{conn: conn, writeTimeout: s.writeTimeout}
	connID := s.registry.Register(transport, userID)

	s.registry.Send(connID, domain.NewSuccessEnvelope(map[string]interface{}{
		"connection_id": string(connID),
		"user_id":       string(userID),
		"stream_id":     string(streamID),
	}))

	if streamID != "" {
		if s.rooms.Join(connID, streamID) {
			s.rooms.ReplayHistory(connID, streamID)
		}
	}

	s.readLoop(conn, transport, connID)

	s.registry.Unregister(connID, "connection closed")
	s.limiter.Forget(connID)
}

func (s *WebSocketServer) resolveUser(c *gin.Context) domain.UserID {
	token := c.Query("token")
	if token != "" {
		claims, err := s.auth.ValidateToken(token)
		if err == nil {
			return claims.UserID
		}
		s.logger.Debugw("invalid token on websocket connect, treating as anonymous", "error", err)
	}
	return domain.UserID(utils.NewAnonymousUserID())
}

func (s *WebSocketServer) readLoop(conn *websocket.Conn, transport *wsTransport, connID domain.ConnectionID) {
	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		s.registry.Touch(connID)
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	// done releases the reader goroutine when the loop exits through the
	// ping path with inbound messages still queued.
	done := make(chan struct{})
	defer close(done)

	messageChan := make(chan []byte, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case errorChan <- err:
				case <-done:
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			select {
			case messageChan <- raw:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case raw := <-messageChan:
			s.handleInbound(connID, raw)

		case <-pingTicker.C:
			if err := transport.Ping(); err != nil {
				s.logger.Infow("ping failed", "connection_id", connID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read error", "connection_id", connID, "error", err)
			}
			return
		}
	}
}

func (s *WebSocketServer) handleInbound(connID domain.ConnectionID, raw []byte) {
	if !s.limiter.Allow(connID) {
		s.metrics.RateLimited()
		s.registry.Send(connID, domain.NewErrorEnvelope("Rate limit exceeded"))
		return
	}
	s.registry.Touch(connID)
	s.metrics.MessageInbound()

	env, err := domain.ParseEnvelope(raw)
	if err != nil {
		s.logger.Debugw("rejecting inbound message", "connection_id", connID, "error", err)
		s.metrics.MessageDropped()
		s.registry.Send(connID, domain.NewErrorEnvelope(err.Error()))
		return
	}

	s.router.Dispatch(connID, env)
}
