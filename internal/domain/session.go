// Package domain contains the records the reference server persists.
package domain

import (
	"time"
)

// Session is a dialog session registered with the server.
type Session struct {
	ID          string    `json:"session_id"`
	Requirement string    `json:"requirement"`
	State       string    `json:"state"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Remaining returns the time until the session expires for the given
// inactivity window. Returns 0 if it has already expired.
func (s *Session) Remaining(ttl time.Duration) time.Duration {
	remaining := time.Until(s.LastSeenAt.Add(ttl))
	if remaining < 0 {
		return 0
	}
	return remaining
}
