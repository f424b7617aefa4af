package domain

import "time"

type ConnectionID string
type UserID string
type StreamID string
type HandleID string

// Connection is the registry's view of one live transport. The struct is
// owned exclusively by the Connection Registry; other components reach it
// through registry accessors.
type Connection struct {
	ID           ConnectionID
	UserID       UserID
	ConnectedAt  time.Time
	LastActivity time.Time
	RoomID       StreamID // empty when not in a room
	HandleID     HandleID // empty when no negotiation handle is open
}
