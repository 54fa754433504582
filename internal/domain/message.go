package domain

import (
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FragmentKind tags the variant held by a Fragment.
type FragmentKind string

const (
	FragmentText       FragmentKind = "text"
	FragmentReasoning  FragmentKind = "reasoning"
	FragmentToolCall   FragmentKind = "tool_call"
	FragmentToolResult FragmentKind = "tool_result"
)

// Fragment is one typed unit of message content.
// Content is set for text and reasoning, Name and Arguments for tool calls,
// Output for tool results.
type Fragment struct {
	Kind      FragmentKind    `json:"type"`
	Content   string          `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"args,omitempty"`
	Output    string          `json:"output,omitempty"`
}

// Text returns a text fragment.
func Text(content string) Fragment {
	return Fragment{Kind: FragmentText, Content: content}
}

// Reasoning returns a reasoning fragment.
func Reasoning(content string) Fragment {
	return Fragment{Kind: FragmentReasoning, Content: content}
}

// ToolCall returns a tool invocation fragment.
func ToolCall(name string, args json.RawMessage) Fragment {
	return Fragment{Kind: FragmentToolCall, Name: name, Arguments: args}
}

// ToolResult returns a tool output fragment.
func ToolResult(output string) Fragment {
	return Fragment{Kind: FragmentToolResult, Output: output}
}

// Payload returns the generic textual payload of the fragment.
// Tool calls carry no payload of their own.
func (f Fragment) Payload() string {
	switch f.Kind {
	case FragmentText, FragmentReasoning:
		return f.Content
	case FragmentToolResult:
		return f.Output
	default:
		return ""
	}
}

// IsToolActivity returns true for tool calls and tool results.
func (f Fragment) IsToolActivity() bool {
	return f.Kind == FragmentToolCall || f.Kind == FragmentToolResult
}

// Message is one entry of a session's message log.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Role      Role       `json:"role"`
	Completed bool       `json:"completed"`
	Fragments []Fragment `json:"fragments"`
}

// LatestAssistant returns the last assistant message in list order, or nil.
func LatestAssistant(messages []Message) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return &messages[i]
		}
	}
	return nil
}

// PendingAnswer returns the latest assistant message only if it follows the
// latest user message, i.e. it answers the most recent prompt.
func PendingAnswer(messages []Message) *Message {
	return AnswerSince(messages, "")
}

// AnswerSince is PendingAnswer that also rejects the assistant message with
// id since and anything before it. since is the latest assistant message seen
// before the prompt was sent; the backend may not have appended the new user
// message yet when polling starts.
func AnswerSince(messages []Message, since string) *Message {
	for i := len(messages) - 1; i >= 0; i-- {
		switch {
		case since != "" && messages[i].ID == since:
			return nil
		case messages[i].Role == RoleAssistant:
			return &messages[i]
		case messages[i].Role == RoleUser:
			return nil
		}
	}
	return nil
}

// StructuredAnswer is the classified form of an assistant message.
type StructuredAnswer struct {
	Text         string     `json:"text"`
	Reasoning    string     `json:"reasoning"`
	ToolActivity []Fragment `json:"tool_activity,omitempty"`
	Degraded     bool       `json:"is_degraded"`
	Placeholder  bool       `json:"placeholder,omitempty"`
}
