// Package agent implements the asynchronous prompt/response bridge to the agent backend.
package agent

import (
	"encoding/json"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
)

// ChatRequest represents a chat request from the dashboard.
type ChatRequest struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// ResponseMode reports which path produced a chat response.
type ResponseMode string

const (
	// ModeSession indicates an answer produced by the backend.
	ModeSession ResponseMode = "session"
	// ModeFallback indicates no backend session was available.
	ModeFallback ResponseMode = "fallback"
	// ModeTimeout indicates the backend did not answer before the deadline.
	ModeTimeout ResponseMode = "timeout"
	// ModeError indicates the prompt could not be dispatched.
	ModeError ResponseMode = "error"
)

// ChatResponse is the aggregated answer returned by the batch path.
type ChatResponse struct {
	Response     string            `json:"response"`
	Reasoning    string            `json:"reasoning"`
	HasReasoning bool              `json:"hasReasoning"`
	SessionID    string            `json:"sessionId"`
	Mode         ResponseMode      `json:"mode"`
	ToolActivity []domain.Fragment `json:"toolActivity,omitempty"`
	Error        string            `json:"error,omitempty"`
	Guidance     string            `json:"guidance,omitempty"`
}

// EventType names a streaming event.
type EventType string

const (
	EventStatus     EventType = "status"
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Event is one item of the streaming path.
type Event struct {
	Type     EventType       `json:"type"`
	Content  string          `json:"content,omitempty"`
	Name     string          `json:"name,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Output   string          `json:"output,omitempty"`
	Guidance string          `json:"guidance,omitempty"`
}

// Config holds bridge behaviour settings.
type Config struct {
	DefaultModel        domain.ModelRef
	DefaultAgent        string
	ModelAliases        map[string]string
	SessionTitle        string
	SessionTTL          time.Duration
	Poll                PollConfig
	StreamMaxAttempts   int
	AcceptReasoningOnly bool
}

// DefaultConfig returns default bridge configuration.
func DefaultConfig() Config {
	return Config{
		DefaultModel:      domain.ModelRef{ProviderID: "opencode", ModelID: "grok-code-fast-1"},
		DefaultAgent:      "build",
		SessionTitle:      "AI Command Center Chat",
		SessionTTL:        5 * time.Minute,
		Poll:              DefaultPollConfig(),
		StreamMaxAttempts: 10,
	}
}

const (
	statusConnected  = "Connected to agent backend..."
	statusProcessing = "Processing..."
	statusThinking   = "Still thinking..."

	timeoutText        = "Response took too long. Please try again."
	timeoutAnswer      = "The agent is still thinking and the response took too long. Please try again in a moment."
	pollFailAnswer     = "Sorry, something went wrong while waiting for the agent's answer. Please try again."
	dispatchFailAnswer = "Sorry, I couldn't deliver your message to the agent backend. Please try again."
	fallbackAnswer     = "Hello! I received your message: %q. The agent backend is not reachable right now, so this is a fallback response."
	placeholderAnswer  = "I received your message but no response could be generated."
)
