package ports

import (
	"context"

	"castrelay/internal/core/domain"
)

// Action names an operation gated by the authorization collaborator.
type Action string

const (
	ActionCreateStream   Action = "stream:create"
	ActionStartBroadcast Action = "stream:start"
	ActionSendTip        Action = "stream:tip"
)

// Authorizer is the black-box authorization collaborator. Denial is a
// terminal failure for the gated call; the core never retries it.
type Authorizer interface {
	// Authorize reports whether the user may perform action on resource.
	Authorize(ctx context.Context, userID domain.UserID, action Action, resource string) bool

	// CanViewStream reports whether the user may watch a stream of the
	// given visibility class owned by broadcasterID.
	CanViewStream(ctx context.Context, userID domain.UserID, visibility domain.Visibility, broadcasterID domain.UserID) bool
}

// StreamNotifier delivers session lifecycle events to room members.
// Implemented by the room directory; set on the session manager after
// construction to keep ownership one-way.
type StreamNotifier interface {
	NotifyStreamStarted(streamID domain.StreamID, broadcasterID domain.UserID, title string)
	NotifyStreamEnded(streamID domain.StreamID)
}
