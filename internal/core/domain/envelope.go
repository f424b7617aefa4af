package domain

import (
	"encoding/json"
	"fmt"

	"castrelay/pkg/utils"
)

// MessageType tags an Envelope on the wire.
type MessageType string

const (
	// WebRTC signaling
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice_candidate"

	// Stream management
	MessageCreateStream  MessageType = "create_stream"
	MessageJoinStream    MessageType = "join_stream"
	MessageLeaveStream   MessageType = "leave_stream"
	MessageStreamStarted MessageType = "stream_started"
	MessageStreamEnded   MessageType = "stream_ended"

	// Chat
	MessageChat MessageType = "chat_message"

	// Presence
	MessageUserJoined MessageType = "user_joined"
	MessageUserLeft   MessageType = "user_left"

	// Tips
	MessageTipSent MessageType = "tip_sent"

	// System
	MessageError   MessageType = "error"
	MessageSuccess MessageType = "success"
)

// SystemSender is the sender id used on server-originated envelopes.
const SystemSender = "system"

// Envelope is the wire unit exchanged over a connection.
type Envelope struct {
	Type      MessageType            `json:"type"`
	Data      map[string]interface{} `json:"data"`
	SenderID  UserID                 `json:"sender_id"`
	TargetID  UserID                 `json:"target_id,omitempty"`
	StreamID  StreamID               `json:"stream_id,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
	MessageID string                 `json:"message_id,omitempty"`
}

var knownTypes = map[MessageType]bool{
	MessageOffer:         true,
	MessageAnswer:        true,
	MessageICECandidate:  true,
	MessageCreateStream:  true,
	MessageJoinStream:    true,
	MessageLeaveStream:   true,
	MessageStreamStarted: true,
	MessageStreamEnded:   true,
	MessageChat:          true,
	MessageUserJoined:    true,
	MessageUserLeft:      true,
	MessageTipSent:       true,
	MessageError:         true,
	MessageSuccess:       true,
}

// Known reports whether t is one of the enumerated message types.
func (t MessageType) Known() bool {
	return knownTypes[t]
}

// IsSignaling reports whether t carries WebRTC negotiation data.
func (t MessageType) IsSignaling() bool {
	return t == MessageOffer || t == MessageAnswer || t == MessageICECandidate
}

// Stamp fills in timestamp and message id when they are absent.
func (e *Envelope) Stamp() {
	if e.Timestamp == "" {
		e.Timestamp = utils.FormatTimestamp(utils.Now())
	}
	if e.MessageID == "" {
		e.MessageID = utils.NewMessageID()
	}
}

// ParseEnvelope decodes a raw wire message. Malformed JSON or an unknown
// type yield an error the caller answers with an error envelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if !env.Type.Known() {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
	return &env, nil
}

// NewErrorEnvelope builds a system error envelope.
func NewErrorEnvelope(message string) *Envelope {
	return &Envelope{
		Type:     MessageError,
		Data:     map[string]interface{}{"message": message},
		SenderID: SystemSender,
	}
}

// NewSuccessEnvelope builds a system success envelope.
func NewSuccessEnvelope(data map[string]interface{}) *Envelope {
	return &Envelope{
		Type:     MessageSuccess,
		Data:     data,
		SenderID: SystemSender,
	}
}
