package opencode

import (
	"errors"
	"fmt"
)

var (
	errMalformedResponse = errors.New("malformed backend response")
	errMissingSessionID  = errors.New("backend returned a session without an id")
)

// APIError is a structured error payload returned by the backend.
type APIError struct {
	Status  int
	Name    string
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Name != "" && e.Message != "":
		return fmt.Sprintf("backend error %d: %s: %s", e.Status, e.Name, e.Message)
	case e.Message != "":
		return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
	case e.Name != "":
		return fmt.Sprintf("backend error %d: %s", e.Status, e.Name)
	default:
		return fmt.Sprintf("backend error %d", e.Status)
	}
}

// UnreachableError reports that no backend could be reached, with guidance
// that depends on how the bridge was trying to reach it.
type UnreachableError struct {
	Mode     Mode
	URL      string
	Guidance string
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("agent backend (%s mode) at %s unreachable: %v", e.Mode, e.URL, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

func unreachable(mode Mode, url string, err error) *UnreachableError {
	guidance := fmt.Sprintf("Make sure the agent server is running: opencode serve --hostname 127.0.0.1 --port %s", portOf(url))
	if mode == ModeEmbedded {
		guidance = "The embedded agent backend may still be starting up, or its port is already in use. " +
			"Set OPENCODE_MODE=client to use an existing server, or choose another OPENCODE_PORT."
	}
	return &UnreachableError{Mode: mode, URL: url, Guidance: guidance, Err: err}
}
