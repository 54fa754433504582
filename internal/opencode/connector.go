package opencode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
)

// Mode selects how the connector reaches the backend.
type Mode string

const (
	// ModeAuto probes the configured server and falls back to embedded.
	ModeAuto Mode = ""
	// ModeClient connects to an already running server.
	ModeClient Mode = "client"
	// ModeEmbedded boots a backend through the Launcher.
	ModeEmbedded Mode = "embedded"
)

var errNoLauncher = errors.New("embedded mode requires a launcher")

// Launcher boots a local backend instance and returns its base URL.
type Launcher interface {
	EnsureBackend(ctx context.Context) (string, error)
}

// ConnectorConfig holds configuration for backend resolution.
type ConnectorConfig struct {
	Mode           Mode
	ServerURL      string
	DetectTimeout  time.Duration
	StartTimeout   time.Duration
	ReadyInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultConnectorConfig returns default configuration.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		Mode:           ModeAuto,
		ServerURL:      "http://127.0.0.1:4096",
		DetectTimeout:  time.Second,
		StartTimeout:   15 * time.Second,
		ReadyInterval:  250 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

// Connector resolves a Client lazily and memoizes it once the backend answers.
// A failed resolution is retried on the next call.
type Connector struct {
	cfg      ConnectorConfig
	launcher Launcher
	logger   *slog.Logger

	mu     sync.Mutex
	client *Client
	mode   Mode
}

// NewConnector creates a connector. launcher may be nil when embedded mode is never used.
func NewConnector(cfg ConnectorConfig, launcher Launcher, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConnectorConfig()
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaults.ServerURL
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = defaults.DetectTimeout
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaults.StartTimeout
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = defaults.ReadyInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	return &Connector{cfg: cfg, launcher: launcher, logger: logger, mode: cfg.Mode}
}

// Mode returns the configured mode, or the detected one after the first resolution.
func (c *Connector) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ServerURL returns the address of the resolved backend, or the configured one.
func (c *Connector) ServerURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client.BaseURL()
	}
	return c.cfg.ServerURL
}

// Resolve returns a client for a reachable backend, booting one in embedded mode.
func (c *Connector) Resolve(ctx context.Context) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	mode := c.cfg.Mode
	if mode == ModeAuto {
		running := c.probeURL(ctx, c.cfg.ServerURL, c.cfg.DetectTimeout) == nil
		mode = ModeEmbedded
		if running {
			mode = ModeClient
		}
		c.logger.Info("Auto-detected backend mode", "mode", mode, "server_url", c.cfg.ServerURL, "server_found", running)
	}
	c.mode = mode

	var (
		client *Client
		err    error
	)
	switch mode {
	case ModeClient:
		client, err = c.connectClient(ctx)
	case ModeEmbedded:
		client, err = c.startEmbedded(ctx)
	default:
		err = unreachable(mode, c.cfg.ServerURL, fmt.Errorf("unknown mode %q", mode))
	}
	if err != nil {
		return nil, err
	}

	c.client = client
	return client, nil
}

func (c *Connector) connectClient(ctx context.Context) (*Client, error) {
	c.logger.Info("Connecting to agent backend", "mode", ModeClient, "server_url", c.cfg.ServerURL)
	client := c.newClient(c.cfg.ServerURL)
	if err := client.Probe(ctx); err != nil {
		c.logger.Error("Failed to connect to agent backend", "server_url", c.cfg.ServerURL, "error", err)
		return nil, unreachable(ModeClient, c.cfg.ServerURL, err)
	}
	c.logger.Info("Connected to agent backend", "server_url", c.cfg.ServerURL)
	return client, nil
}

func (c *Connector) startEmbedded(ctx context.Context) (*Client, error) {
	if c.launcher == nil {
		return nil, unreachable(ModeEmbedded, c.cfg.ServerURL, errNoLauncher)
	}

	startCtx, cancel := context.WithTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	c.logger.Info("Starting embedded agent backend", "start_timeout", c.cfg.StartTimeout)
	baseURL, err := c.launcher.EnsureBackend(startCtx)
	if err != nil {
		c.logger.Error("Failed to start embedded agent backend", "error", err)
		return nil, unreachable(ModeEmbedded, c.cfg.ServerURL, err)
	}

	if err := c.waitForReady(startCtx, baseURL); err != nil {
		return nil, unreachable(ModeEmbedded, baseURL, err)
	}
	c.logger.Info("Embedded agent backend started", "server_url", baseURL)
	return c.newClient(baseURL), nil
}

// waitForReady probes baseURL until it answers or ctx ends.
func (c *Connector) waitForReady(ctx context.Context, baseURL string) error {
	ticker := time.NewTicker(c.cfg.ReadyInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = c.probeURL(ctx, baseURL, c.cfg.RequestTimeout); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("backend not ready: %w (last probe: %v)", ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

func (c *Connector) probeURL(ctx context.Context, baseURL string, timeout time.Duration) error {
	probe := NewClient(ClientConfig{BaseURL: baseURL, RequestTimeout: timeout}, c.logger)
	return probe.Probe(ctx)
}

func (c *Connector) newClient(baseURL string) *Client {
	return NewClient(ClientConfig{BaseURL: baseURL, RequestTimeout: c.cfg.RequestTimeout}, c.logger)
}

// CreateSession resolves the backend and creates a session.
func (c *Connector) CreateSession(ctx context.Context, title string) (*domain.Session, error) {
	client, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return client.CreateSession(ctx, title)
}

// ListSessions resolves the backend and lists its sessions.
func (c *Connector) ListSessions(ctx context.Context) ([]domain.Session, error) {
	client, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return client.ListSessions(ctx)
}

// Prompt resolves the backend and dispatches a prompt.
func (c *Connector) Prompt(ctx context.Context, sessionID string, req domain.PromptRequest) error {
	client, err := c.Resolve(ctx)
	if err != nil {
		return err
	}
	return client.Prompt(ctx, sessionID, req)
}

// Messages resolves the backend and lists a session's messages.
func (c *Connector) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	client, err := c.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return client.Messages(ctx, sessionID)
}

// Abort resolves the backend and stops the session's current generation.
func (c *Connector) Abort(ctx context.Context, sessionID string) error {
	client, err := c.Resolve(ctx)
	if err != nil {
		return err
	}
	return client.Abort(ctx, sessionID)
}

// DeleteSession resolves the backend and removes a session.
func (c *Connector) DeleteSession(ctx context.Context, sessionID string) error {
	client, err := c.Resolve(ctx)
	if err != nil {
		return err
	}
	return client.DeleteSession(ctx, sessionID)
}

// Probe resolves the backend and checks that it still answers.
func (c *Connector) Probe(ctx context.Context) error {
	client, err := c.Resolve(ctx)
	if err != nil {
		return err
	}
	if err := client.Probe(ctx); err != nil {
		return unreachable(c.Mode(), client.BaseURL(), err)
	}
	return nil
}

// Guidance returns the operator hint for an unreachable backend, if err carries one.
func Guidance(err error) string {
	var ue *UnreachableError
	if errors.As(err, &ue) {
		return ue.Guidance
	}
	return ""
}

func portOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Port() == "" {
		return "4096"
	}
	return u.Port()
}
