package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrDegradedSession is returned when a prompt targets a degraded session.
	ErrDegradedSession = errors.New("session is degraded, backend unavailable")
	// ErrPollTimeout is returned when no qualifying assistant message appeared in time.
	ErrPollTimeout = errors.New("timed out waiting for assistant response")
	// ErrPollStopped is returned when the poll observer asked to stop.
	ErrPollStopped = errors.New("polling stopped by caller")
	// ErrEmptyMessage is returned for a prompt without text.
	ErrEmptyMessage = errors.New("message is required")

	errNoSession = errors.New("backend returned no session")
)

// SessionError records why a backend session could not be obtained.
type SessionError struct {
	CreateErr error
	ListErr   error
}

func (e *SessionError) Error() string {
	if e.ListErr == nil {
		return fmt.Sprintf("create session: %v; no existing session to adopt", e.CreateErr)
	}
	return fmt.Sprintf("create session: %v; list sessions: %v", e.CreateErr, e.ListErr)
}

// Unwrap exposes both underlying failures to errors.Is and errors.As.
func (e *SessionError) Unwrap() []error {
	var errs []error
	if e.CreateErr != nil {
		errs = append(errs, e.CreateErr)
	}
	if e.ListErr != nil {
		errs = append(errs, e.ListErr)
	}
	return errs
}

// DispatchError wraps a prompt submission the backend did not accept.
type DispatchError struct {
	SessionID string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to session %s: %v", e.SessionID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
