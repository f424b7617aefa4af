package domain

import "time"

// ChatMessage is immutable once appended except for the soft-delete flag.
type ChatMessage struct {
	MessageID string    `json:"message_id"`
	UserID    UserID    `json:"user_id"`
	Content   string    `json:"content"`
	StreamID  StreamID  `json:"stream_id"`
	Timestamp time.Time `json:"timestamp"`
	Deleted   bool      `json:"-"`
}
