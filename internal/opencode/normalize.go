package opencode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
)

// The backend answers with differently wrapped payloads depending on the
// server version. Everything below turns them into domain types so nothing
// above this package branches on raw shape.

type envelope struct {
	Data     json.RawMessage `json:"data"`
	Response *struct {
		Data json.RawMessage `json:"data"`
	} `json:"response"`
	Error json.RawMessage `json:"error"`
}

// unwrap strips {"data":…} and {"response":{"data":…}} envelopes from a
// successful body and turns an embedded {"error":…} into an *APIError.
func unwrap(status int, body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResponse, err)
	}
	if present(env.Error) {
		return nil, decodeAPIError(status, env.Error)
	}
	if env.Response != nil && present(env.Response.Data) {
		return env.Response.Data, nil
	}
	if present(env.Data) && !hasKey(trimmed, "id") && !hasKey(trimmed, "info") {
		return env.Data, nil
	}
	return trimmed, nil
}

// decodeAPIError reads the error shapes the backend emits:
// {"name":…,"data":{"message":…}}, {"message":…}, {"error":"…"} or plain text.
func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return apiErr
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		apiErr.Message = text
		return apiErr
	}

	var payload struct {
		Name    string          `json:"name"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		apiErr.Message = truncate(string(trimmed), 200)
		return apiErr
	}

	if present(payload.Error) {
		nested := decodeAPIError(status, payload.Error)
		if nested.Name == "" {
			nested.Name = payload.Name
		}
		return nested
	}
	apiErr.Name = payload.Name
	apiErr.Message = payload.Message
	if apiErr.Message == "" {
		apiErr.Message = payload.Data.Message
	}
	return apiErr
}

type rawTime struct {
	Created   float64 `json:"created"`
	Updated   float64 `json:"updated"`
	Completed float64 `json:"completed"`
}

type rawSession struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Time  rawTime `json:"time"`
}

func (r rawSession) toDomain() domain.Session {
	return domain.Session{
		ID:        r.ID,
		Title:     r.Title,
		CreatedAt: fromMillis(r.Time.Created),
		UpdatedAt: fromMillis(r.Time.Updated),
		State:     domain.SessionValid,
	}
}

func decodeSession(data json.RawMessage) (*domain.Session, error) {
	var raw rawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: session: %v", errMalformedResponse, err)
	}
	if raw.ID == "" {
		return nil, errMissingSessionID
	}
	s := raw.toDomain()
	return &s, nil
}

func decodeSessions(data json.RawMessage) ([]domain.Session, error) {
	var raws []rawSession
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: session list: %v", errMalformedResponse, err)
	}
	sessions := make([]domain.Session, 0, len(raws))
	for _, r := range raws {
		if r.ID == "" {
			continue
		}
		sessions = append(sessions, r.toDomain())
	}
	return sessions, nil
}

type rawInfo struct {
	ID        string  `json:"id"`
	SessionID string  `json:"sessionID"`
	Role      string  `json:"role"`
	Time      rawTime `json:"time"`
}

type rawMessage struct {
	rawInfo
	Info  *rawInfo  `json:"info"`
	Parts []rawPart `json:"parts"`
}

type rawToolState struct {
	Status string          `json:"status"`
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type rawPart struct {
	Type   string          `json:"type"`
	Text   string          `json:"text"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Output json.RawMessage `json:"output"`
	Result json.RawMessage `json:"result"`
	Tool   string          `json:"tool"`
	State  *rawToolState   `json:"state"`
}

func decodeMessages(data json.RawMessage) ([]domain.Message, error) {
	var raws []rawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: message list: %v", errMalformedResponse, err)
	}

	messages := make([]domain.Message, 0, len(raws))
	for _, r := range raws {
		info := r.rawInfo
		if r.Info != nil {
			info = *r.Info
		}
		msg := domain.Message{
			ID:        info.ID,
			SessionID: info.SessionID,
			Role:      domain.Role(strings.ToLower(info.Role)),
			Completed: info.Time.Completed > 0,
		}
		for _, p := range r.Parts {
			msg.Fragments = append(msg.Fragments, p.fragments()...)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// fragments maps one backend part to zero or more fragments.
// Bookkeeping parts (step markers, snapshots, patches, files) are dropped.
func (p rawPart) fragments() []domain.Fragment {
	switch p.Type {
	case "text":
		return []domain.Fragment{domain.Text(p.Text)}
	case "reasoning":
		return []domain.Fragment{domain.Reasoning(p.Text)}
	case "tool-call":
		return []domain.Fragment{domain.ToolCall(p.Name, nonNull(p.Args))}
	case "tool-result":
		out := payloadString(p.Output)
		if out == "" {
			out = payloadString(p.Result)
		}
		return []domain.Fragment{domain.ToolResult(out)}
	case "tool":
		name := p.Tool
		if name == "" {
			name = p.Name
		}
		if p.State == nil {
			return []domain.Fragment{domain.ToolCall(name, nil)}
		}
		frags := []domain.Fragment{domain.ToolCall(name, nonNull(p.State.Input))}
		out := payloadString(p.State.Output)
		if out == "" && p.State.Status == "error" {
			out = p.State.Error
		}
		if out != "" {
			frags = append(frags, domain.ToolResult(out))
		}
		return frags
	default:
		return nil
	}
}

// payloadString returns a JSON string's value, or the raw JSON text of any
// other non-null value.
func payloadString(raw json.RawMessage) string {
	if !present(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if !present(raw) {
		return nil
	}
	return raw
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func hasKey(obj []byte, key string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(obj, &m); err != nil {
		return false
	}
	_, ok := m[key]
	return ok
}

func fromMillis(ms float64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
