package signal

import (
	"sync"

	"castrelay/internal/core/domain"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/pkg/utils"

	"go.uber.org/zap"
)

type room struct {
	members map[domain.ConnectionID]struct{}
	chat    []*domain.ChatMessage
}

// Directory owns stream-room membership and per-room chat history. Rooms
// are created implicitly on first join and destroyed when the last
// member leaves.
type Directory struct {
	mu    sync.Mutex
	rooms map[domain.StreamID]*room

	registry    *Registry
	historyCap  int
	replayLimit int

	logger  *zap.SugaredLogger
	metrics *monitoring.Collector
}

func NewDirectory(registry *Registry, historyCap, replayLimit int, logger *zap.SugaredLogger, metrics *monitoring.Collector) *Directory {
	d := &Directory{
		rooms:       make(map[domain.StreamID]*room),
		registry:    registry,
		historyCap:  historyCap,
		replayLimit: replayLimit,
		logger:      logger,
		metrics:     metrics,
	}
	registry.AttachRoomDirectory(d)
	return d
}

// Join adds the connection to a room, leaving its current room first.
// Presence is announced to the other members before Join returns.
func (d *Directory) Join(connID domain.ConnectionID, streamID domain.StreamID) bool {
	userID, ok := d.registry.UserID(connID)
	if !ok {
		return false
	}

	d.Leave(connID)

	d.mu.Lock()
	rm, exists := d.rooms[streamID]
	if !exists {
		rm = &room{members: make(map[domain.ConnectionID]struct{})}
		d.rooms[streamID] = rm
		d.metrics.RoomCreated()
	}
	rm.members[connID] = struct{}{}
	d.mu.Unlock()

	d.registry.SetRoom(connID, streamID)

	d.Broadcast(streamID, &domain.Envelope{
		Type:     domain.MessageUserJoined,
		Data:     map[string]interface{}{"user_id": string(userID), "stream_id": string(streamID)},
		SenderID: domain.SystemSender,
		StreamID: streamID,
	}, connID)

	d.logger.Infow("connection joined room", "connection_id", connID, "stream_id", streamID)
	return true
}

// Leave removes the connection from its current room. An emptied room is
// deleted together with its chat log; otherwise remaining members get a
// presence event.
func (d *Directory) Leave(connID domain.ConnectionID) {
	streamID, ok := d.registry.RoomOf(connID)
	if !ok {
		return
	}
	userID, _ := d.registry.UserID(connID)

	d.mu.Lock()
	rm, exists := d.rooms[streamID]
	if exists {
		delete(rm.members, connID)
		if len(rm.members) == 0 {
			delete(d.rooms, streamID)
			d.metrics.RoomDestroyed()
			exists = false
		}
	}
	d.mu.Unlock()

	d.registry.ClearRoom(connID)

	if exists {
		d.Broadcast(streamID, &domain.Envelope{
			Type:     domain.MessageUserLeft,
			Data:     map[string]interface{}{"user_id": string(userID), "stream_id": string(streamID)},
			SenderID: domain.SystemSender,
			StreamID: streamID,
		}, "")
	}

	d.logger.Infow("connection left room", "connection_id", connID, "stream_id", streamID)
}

// Broadcast fans an envelope out to every current member except exclude.
// Delivery is concurrent and per-recipient isolated: a failed send only
// tears down that recipient.
func (d *Directory) Broadcast(streamID domain.StreamID, env *domain.Envelope, exclude domain.ConnectionID) {
	d.mu.Lock()
	rm, ok := d.rooms[streamID]
	if !ok {
		d.mu.Unlock()
		return
	}
	targets := make([]domain.ConnectionID, 0, len(rm.members))
	for id := range rm.members {
		if id != exclude {
			targets = append(targets, id)
		}
	}
	d.mu.Unlock()

	env.Stamp()

	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(id domain.ConnectionID) {
			defer wg.Done()
			d.registry.Send(id, env)
		}(id)
	}
	wg.Wait()
}

// maxChatLen bounds stored chat content; longer messages are truncated
// rather than rejected.
const maxChatLen = 2000

// PostChat appends a chat message and fans it out to the whole room, the
// author included. Empty or whitespace-only content is dropped silently.
func (d *Directory) PostChat(connID domain.ConnectionID, content string) bool {
	content = utils.SanitizeString(content)
	if content == "" {
		return false
	}
	content = utils.TruncateString(content, maxChatLen)

	userID, ok := d.registry.UserID(connID)
	if !ok {
		return false
	}
	streamID, ok := d.registry.RoomOf(connID)
	if !ok {
		d.registry.Send(connID, domain.NewErrorEnvelope("Not in a stream room"))
		return false
	}

	msg := &domain.ChatMessage{
		MessageID: utils.NewMessageID(),
		UserID:    userID,
		Content:   content,
		StreamID:  streamID,
		Timestamp: utils.Now(),
	}

	d.mu.Lock()
	rm, exists := d.rooms[streamID]
	if !exists {
		d.mu.Unlock()
		return false
	}
	rm.chat = append(rm.chat, msg)
	if len(rm.chat) > d.historyCap {
		rm.chat = rm.chat[len(rm.chat)-d.historyCap:]
	}
	d.mu.Unlock()

	d.metrics.ChatMessage()

	d.Broadcast(streamID, &domain.Envelope{
		Type:     domain.MessageChat,
		Data:     chatPayload(msg),
		SenderID: userID,
		StreamID: streamID,
	}, "")

	return true
}

// History returns the most recent non-deleted messages, oldest first.
func (d *Directory) History(streamID domain.StreamID, limit int) []*domain.ChatMessage {
	d.mu.Lock()
	defer d.mu.Unlock()

	rm, ok := d.rooms[streamID]
	if !ok {
		return nil
	}

	out := make([]*domain.ChatMessage, 0, limit)
	for i := len(rm.chat) - 1; i >= 0 && len(out) < limit; i-- {
		if !rm.chat[i].Deleted {
			out = append(out, rm.chat[i])
		}
	}
	// reverse into delivery order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ReplayHistory delivers recent chat to a newly joined connection.
func (d *Directory) ReplayHistory(connID domain.ConnectionID, streamID domain.StreamID) {
	for _, msg := range d.History(streamID, d.replayLimit) {
		d.registry.Send(connID, &domain.Envelope{
			Type:     domain.MessageChat,
			Data:     chatPayload(msg),
			SenderID: msg.UserID,
			StreamID: streamID,
		})
	}
}

// DeleteChatMessage soft-deletes one message; it stays in the bounded
// log but is excluded from replay.
func (d *Directory) DeleteChatMessage(streamID domain.StreamID, messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rm, ok := d.rooms[streamID]
	if !ok {
		return false
	}
	for _, msg := range rm.chat {
		if msg.MessageID == messageID {
			msg.Deleted = true
			return true
		}
	}
	return false
}

// Members returns a snapshot of the room's member connection ids.
func (d *Directory) Members(streamID domain.StreamID) []domain.ConnectionID {
	d.mu.Lock()
	defer d.mu.Unlock()

	rm, ok := d.rooms[streamID]
	if !ok {
		return nil
	}
	out := make([]domain.ConnectionID, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// RoomCount returns the number of live rooms.
func (d *Directory) RoomCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// NotifyStreamStarted implements ports.StreamNotifier.
func (d *Directory) NotifyStreamStarted(streamID domain.StreamID, broadcasterID domain.UserID, title string) {
	d.Broadcast(streamID, &domain.Envelope{
		Type: domain.MessageStreamStarted,
		Data: map[string]interface{}{
			"stream_id":   string(streamID),
			"streamer_id": string(broadcasterID),
			"title":       title,
		},
		SenderID: domain.SystemSender,
		StreamID: streamID,
	}, "")
}

// NotifyStreamEnded implements ports.StreamNotifier.
func (d *Directory) NotifyStreamEnded(streamID domain.StreamID) {
	d.Broadcast(streamID, &domain.Envelope{
		Type:     domain.MessageStreamEnded,
		Data:     map[string]interface{}{"stream_id": string(streamID)},
		SenderID: domain.SystemSender,
		StreamID: streamID,
	}, "")
}

// NotifyTip implements the tip fan-out used by the HTTP tip endpoint.
func (d *Directory) NotifyTip(streamID domain.StreamID, from domain.UserID, amount float64, message string) {
	d.Broadcast(streamID, &domain.Envelope{
		Type: domain.MessageTipSent,
		Data: map[string]interface{}{
			"stream_id": string(streamID),
			"tipper_id": string(from),
			"amount":    amount,
			"message":   message,
		},
		SenderID: from,
		StreamID: streamID,
	}, "")
}

func chatPayload(msg *domain.ChatMessage) map[string]interface{} {
	return map[string]interface{}{
		"message_id": msg.MessageID,
		"user_id":    string(msg.UserID),
		"content":    msg.Content,
		"timestamp":  utils.FormatTimestamp(msg.Timestamp),
	}
}
