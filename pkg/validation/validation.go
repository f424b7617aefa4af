package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	streamIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateUsername checks a display identity: 3-50 chars, alphanumeric
// plus dash and underscore.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(username) < 3 || len(username) > 50 {
		return fmt.Errorf("username must be between 3 and 50 characters")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username may only contain letters, digits, dash and underscore")
	}
	return nil
}

// ValidateStreamID checks a stream identifier from the wire.
func ValidateStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("stream_id cannot be empty")
	}
	if len(streamID) > 100 {
		return fmt.Errorf("stream_id must be at most 100 characters")
	}
	if !streamIDRegex.MatchString(streamID) {
		return fmt.Errorf("stream_id may only contain letters, digits, dash and underscore")
	}
	return nil
}

// ValidateStreamTitle checks a broadcast title.
func ValidateStreamTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if utf8.RuneCountInString(title) > 200 {
		return fmt.Errorf("title must be at most 200 characters")
	}
	return nil
}

// ValidateMaxViewers checks a viewer capacity setting.
func ValidateMaxViewers(maxViewers int) error {
	if maxViewers < 0 {
		return fmt.Errorf("max_viewers must be >= 0")
	}
	if maxViewers > 100000 {
		return fmt.Errorf("max_viewers must be at most 100000")
	}
	return nil
}

// ValidateTipAmount checks a tip value.
func ValidateTipAmount(amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be > 0")
	}
	if amount > 10000 {
		return fmt.Errorf("amount must be at most 10000")
	}
	return nil
}
