package domain

import "time"

// Visibility is the declared access class of a live stream.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityPremium Visibility = "premium"
)

// ParseVisibility validates a wire value.
func ParseVisibility(s string) (Visibility, bool) {
	switch Visibility(s) {
	case VisibilityPublic, VisibilityPrivate, VisibilityPremium:
		return Visibility(s), true
	}
	return "", false
}

// HandleState tracks one negotiation handle's connectivity.
type HandleState string

const (
	HandleConnecting   HandleState = "connecting"
	HandleConnected    HandleState = "connected"
	HandleDisconnected HandleState = "disconnected"
	HandleFailed       HandleState = "failed"
)

// Terminal reports whether the state ends the handle's life.
func (s HandleState) Terminal() bool {
	return s == HandleDisconnected || s == HandleFailed
}

// SessionSummary is the read-only projection of a PeerSession.
type SessionSummary struct {
	StreamID      StreamID   `json:"stream_id"`
	BroadcasterID UserID     `json:"streamer_id"`
	Title         string     `json:"title"`
	Visibility    Visibility `json:"stream_type"`
	ViewerCount   int        `json:"viewer_count"`
	MaxViewers    int        `json:"max_viewers"`
	Active        bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	TipsReceived  float64    `json:"tips_received"`
}

// SessionRecord is what the persistence collaborator stores about a
// session. Upserts are fire-and-forget; signaling never waits on them.
type SessionRecord struct {
	StreamID      StreamID   `json:"stream_id"`
	BroadcasterID UserID     `json:"streamer_id"`
	Title         string     `json:"title"`
	Visibility    Visibility `json:"stream_type"`
	MaxViewers    int        `json:"max_viewers"`
	Active        bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	PeakViewers   int        `json:"peak_viewers"`
	TotalTips     float64    `json:"total_tips"`
}
