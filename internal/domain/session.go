// Package domain contains core domain types for the agent bridge.
package domain

import (
	"time"
)

// SessionState reports whether a session can be used against the backend.
type SessionState string

const (
	// SessionValid is a session the backend created or listed.
	SessionValid SessionState = "valid"
	// SessionDegraded is a placeholder used when no backend session could be obtained.
	SessionDegraded SessionState = "degraded"
)

// Session represents the chat session shared by all callers.
type Session struct {
	ID        string       `json:"id"`
	Title     string       `json:"title,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
	State     SessionState `json:"state"`

	// Cause is the error that made the session degraded.
	Cause error `json:"-"`
}

// NewDegradedSession returns a placeholder session recording why creation failed.
func NewDegradedSession(now time.Time, cause error) *Session {
	return &Session{
		CreatedAt: now,
		State:     SessionDegraded,
		Cause:     cause,
	}
}

// Degraded returns true if prompts must not be dispatched against the session.
func (s *Session) Degraded() bool {
	return s == nil || s.State == SessionDegraded || s.ID == ""
}

// Fresh returns true if the session is usable and younger than window.
func (s *Session) Fresh(now time.Time, window time.Duration) bool {
	if s.Degraded() {
		return false
	}
	return now.Sub(s.CreatedAt) < window
}
