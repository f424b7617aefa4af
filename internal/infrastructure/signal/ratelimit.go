package signal

import (
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/pkg/utils"
)

// RateLimiter admits up to limit inbound messages per sliding window for
// each connection. A rejected message is not charged against the window,
// so a connection parked at the limit regains budget as old admissions
// expire.
type RateLimiter struct {
	mu      sync.Mutex
	history map[domain.ConnectionID][]time.Time
	limit   int
	window  time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		history: make(map[domain.ConnectionID][]time.Time),
		limit:   limit,
		window:  window,
	}
}

// Allow records and admits one message, or rejects without mutation.
func (rl *RateLimiter) Allow(connID domain.ConnectionID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := utils.Now()
	windowStart := now.Add(-rl.window)

	attempts := rl.history[connID]

	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[connID] = fresh
		return false
	}

	rl.history[connID] = append(fresh, now)
	return true
}

// Forget drops a connection's window state after unregister.
func (rl *RateLimiter) Forget(connID domain.ConnectionID) {
	rl.mu.Lock()
	delete(rl.history, connID)
	rl.mu.Unlock()
}
