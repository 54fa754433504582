// Package opencode is the connector to the agent backend's HTTP API.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
)

const maxResponseBodySize = 8 << 20 // 8MB

// ClientConfig holds configuration for the backend client.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://127.0.0.1:4096",
		RequestTimeout: 10 * time.Second,
	}
}

// Client talks to one agent backend instance.
// Every call carries its own RequestTimeout independent of the caller's deadline.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewClient creates a client for the backend at cfg.BaseURL. No network I/O happens here.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultClientConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:     &http.Client{},
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}
}

// BaseURL returns the backend address this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateSession creates a new chat session with the given title.
func (c *Client) CreateSession(ctx context.Context, title string) (*domain.Session, error) {
	data, err := c.do(ctx, http.MethodPost, "/session", map[string]string{"title": title})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sess, err := decodeSession(data)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	c.logger.Debug("Backend session created", "session_id", sess.ID)
	return sess, nil
}

// ListSessions returns the sessions known to the backend.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	data, err := c.do(ctx, http.MethodGet, "/session", nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions, err := decodeSessions(data)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

type promptBody struct {
	Model *domain.ModelRef `json:"model,omitempty"`
	Agent string           `json:"agent,omitempty"`
	Parts []promptPart     `json:"parts"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Prompt submits a user message to the session. It returns once the backend
// accepted the prompt; the answer shows up later in the message log.
func (c *Client) Prompt(ctx context.Context, sessionID string, req domain.PromptRequest) error {
	body := promptBody{
		Agent: req.Agent,
		Parts: []promptPart{{Type: "text", Text: req.Message}},
	}
	if !req.Model.IsZero() {
		model := req.Model
		body.Model = &model
	}
	if _, err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/prompt_async", body); err != nil {
		return fmt.Errorf("prompt session %s: %w", sessionID, err)
	}
	return nil
}

// Messages returns the session's full message log, oldest first.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	data, err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", nil)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", sessionID, err)
	}
	msgs, err := decodeMessages(data)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", sessionID, err)
	}
	for i := range msgs {
		if msgs[i].SessionID == "" {
			msgs[i].SessionID = sessionID
		}
	}
	return msgs, nil
}

// Abort stops whatever the backend is currently generating for the session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	if _, err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/abort", nil); err != nil {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes the session from the backend.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), nil); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Probe checks that the backend answers its config endpoint.
func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.do(ctx, http.MethodGet, "/config", nil); err != nil {
		return fmt.Errorf("probe backend: %w", err)
	}
	return nil
}

// do performs one request bounded by the client's request timeout and
// returns the unwrapped body of a successful response.
func (c *Client) do(ctx context.Context, method, path string, payload any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close backend response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeAPIError(resp.StatusCode, raw)
	}
	return unwrap(resp.StatusCode, raw)
}
