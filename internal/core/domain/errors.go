package domain

import "errors"

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrSessionNotFound    = errors.New("session not found")
	ErrHandleNotFound     = errors.New("negotiation handle not found")
	ErrDuplicateSession   = errors.New("broadcaster already has an active session")
	ErrSessionNotActive   = errors.New("session is not active")
	ErrViewerCapacity     = errors.New("viewer capacity reached")
	ErrNotBroadcaster     = errors.New("handle does not belong to the session broadcaster")
	ErrNotInRoom          = errors.New("connection is not in a room")
)
