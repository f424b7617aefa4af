package signal

import (
	"encoding/json"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/utils"

	"go.uber.org/zap"
)

// Transport is the write side of one connection. The registry owns the
// transport after Register and closes it on unregister.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// RoomLeaver is the slice of the room directory the registry needs during
// teardown. Bound after construction to keep ownership one-way.
type RoomLeaver interface {
	Leave(connID domain.ConnectionID)
}

type liveConn struct {
	id        domain.ConnectionID
	userID    domain.UserID
	transport Transport

	connectedAt  time.Time
	lastActivity time.Time
	roomID       domain.StreamID
	handleID     domain.HandleID
}

// Registry owns live connections and the user→connection identity map.
// One live connection per user: a new Register for the same user tears
// the previous connection down first.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ConnectionID]*liveConn
	users map[domain.UserID]domain.ConnectionID

	rooms RoomLeaver

	logger  *zap.SugaredLogger
	metrics *monitoring.Collector
}

func NewRegistry(logger *zap.SugaredLogger, metrics *monitoring.Collector) *Registry {
	return &Registry{
		conns:   make(map[domain.ConnectionID]*liveConn),
		users:   make(map[domain.UserID]domain.ConnectionID),
		logger:  logger,
		metrics: metrics,
	}
}

// AttachRoomDirectory wires the room-leave delegate used on unregister.
func (r *Registry) AttachRoomDirectory(rooms RoomLeaver) {
	r.rooms = rooms
}

// Register accepts a transport and issues a connection id. An existing
// connection for the same user is torn down first (last writer wins).
func (r *Registry) Register(transport Transport, userID domain.UserID) domain.ConnectionID {
	r.mu.Lock()
	oldID, hadOld := r.users[userID]
	r.mu.Unlock()

	if hadOld {
		r.logger.Infow("closing previous connection for reconnecting user",
			"user_id", userID, "connection_id", oldID)
		r.Unregister(oldID, "new connection established")
	}

	now := utils.Now()
	c := &liveConn{
		id:           domain.ConnectionID(utils.NewConnectionID()),
		userID:       userID,
		transport:    transport,
		connectedAt:  now,
		lastActivity: now,
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.users[userID] = c.id
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Infow("connection registered", "connection_id", c.id, "user_id", userID)
	return c.id
}

// Unregister removes a connection. Idempotent: unknown ids and repeat
// calls are no-ops.
func (r *Registry) Unregister(connID domain.ConnectionID, reason string) {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	// Room membership goes first so presence events still resolve the
	// leaving user.
	if r.rooms != nil {
		r.rooms.Leave(connID)
	}

	r.mu.Lock()
	if _, stillThere := r.conns[connID]; !stillThere {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if cur, ok := r.users[c.userID]; ok && cur == connID {
		delete(r.users, c.userID)
	}
	r.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		r.logger.Debugw("transport already closed", "connection_id", connID, "error", err)
	}

	r.metrics.ConnectionClosed()
	r.logger.Infow("connection unregistered", "connection_id", connID, "reason", reason)
}

// Send stamps, serializes and writes an envelope to one connection. A
// write failure marks the connection dead and triggers its teardown; the
// failure never propagates beyond the returned false.
func (r *Registry) Send(connID domain.ConnectionID, env *domain.Envelope) bool {
	r.mu.RLock()
	c, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	env.Stamp()
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Errorw("failed to marshal envelope", "connection_id", connID, "error", err)
		return false
	}

	if err := c.transport.WriteMessage(data); err != nil {
		r.logger.Infow("send failed, dropping connection",
			"connection_id", connID, "error", err)
		r.metrics.SendFailed()
		r.Unregister(connID, "send error")
		return false
	}

	r.Touch(connID)
	r.metrics.EnvelopeSent()
	return true
}

// SendToUser resolves user→connection and sends. Returns false when the
// user has no live connection; the message is silently dropped.
func (r *Registry) SendToUser(userID domain.UserID, env *domain.Envelope) bool {
	r.mu.RLock()
	connID, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.Send(connID, env)
}

// Touch bumps the last-activity timestamp used by the reclaimer.
func (r *Registry) Touch(connID domain.ConnectionID) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.lastActivity = utils.Now()
	}
	r.mu.Unlock()
}

// UserID resolves a connection to its owning user.
func (r *Registry) UserID(connID domain.ConnectionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return c.userID, true
}

// RoomOf returns the room the connection currently points at.
func (r *Registry) RoomOf(connID domain.ConnectionID) (domain.StreamID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok || c.roomID == "" {
		return "", false
	}
	return c.roomID, true
}

// SetRoom records room membership on the connection. Called only by the
// room directory so both views stay consistent.
func (r *Registry) SetRoom(connID domain.ConnectionID, streamID domain.StreamID) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.roomID = streamID
	}
	r.mu.Unlock()
}

// ClearRoom drops the connection's room pointer.
func (r *Registry) ClearRoom(connID domain.ConnectionID) {
	r.mu.Lock()
	if c, ok := r.conns[connID]; ok {
		c.roomID = ""
	}
	r.mu.Unlock()
}

// BindHandleToUser associates an open negotiation handle with the user's
// live connection, if any.
func (r *Registry) BindHandleToUser(userID domain.UserID, handleID domain.HandleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.users[userID]
	if !ok {
		return false
	}
	if c, ok := r.conns[connID]; ok {
		c.handleID = handleID
		return true
	}
	return false
}

// IdleConnections returns ids whose last activity is older than the
// threshold.
func (r *Registry) IdleConnections(threshold time.Duration) []domain.ConnectionID {
	now := utils.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var idle []domain.ConnectionID
	for id, c := range r.conns {
		if now.Sub(c.lastActivity) > threshold {
			idle = append(idle, id)
		}
	}
	return idle
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats returns a point-in-time view for health reporting.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"total_connections": len(r.conns),
		"total_users":       len(r.users),
	}
}

// Shutdown closes every transport and clears the registry.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := make([]*liveConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[domain.ConnectionID]*liveConn)
	r.users = make(map[domain.UserID]domain.ConnectionID)
	r.mu.Unlock()

	for _, c := range conns {
		c.transport.Close()
	}
}
