package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewConnectionID generates a unique connection ID.
func NewConnectionID() string {
	return uuid.NewString()
}

// NewStreamID generates a unique stream ID.
func NewStreamID() string {
	return uuid.NewString()
}

// NewHandleID generates a unique negotiation handle ID.
func NewHandleID() string {
	return uuid.NewString()
}

// NewMessageID generates a unique envelope message ID.
func NewMessageID() string {
	return uuid.NewString()
}

// NewAnonymousUserID generates a short throwaway identity for
// unauthenticated connections.
func NewAnonymousUserID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("anonymous_%s", hex.EncodeToString(b))
}
