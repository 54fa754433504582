package agent

import (
	"context"

	"github.com/ashureev/agent-bridge/internal/domain"
	"github.com/ashureev/agent-bridge/internal/opencode"
)

// Backend defines the agent backend operations the bridge depends on.
// This interface is implemented by the opencode connector and client.
type Backend interface {
	// CreateSession creates a chat session with a descriptive title.
	CreateSession(ctx context.Context, title string) (*domain.Session, error)

	// ListSessions returns the sessions the backend knows about.
	ListSessions(ctx context.Context) ([]domain.Session, error)

	// Prompt submits a user message; it returns before the answer exists.
	Prompt(ctx context.Context, sessionID string, req domain.PromptRequest) error

	// Messages returns the session's message log, oldest first.
	Messages(ctx context.Context, sessionID string) ([]domain.Message, error)

	// Abort stops the session's in-flight generation.
	Abort(ctx context.Context, sessionID string) error

	// DeleteSession removes the session from the backend.
	DeleteSession(ctx context.Context, sessionID string) error
}

// Ensure the connector and client implement Backend.
var (
	_ Backend = (*opencode.Connector)(nil)
	_ Backend = (*opencode.Client)(nil)
)
