// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	AllowedOrigins  []string
	Backend         BackendConfig
	Chat            ChatConfig
	Poll            PollConfig
	SessionStore    SessionStoreConfig
	SSE             SSEConfig
	RateLimit       RateLimitConfig
	Probe           ProbeConfig
	ConversationLog ConversationLogConfig
}

// BackendConfig controls how the agent backend is reached or started.
type BackendConfig struct {
	Mode             string // "", "client" or "embedded"
	ServerURL        string
	Port             int
	Image            string
	ContainerName    string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	StartTimeout     time.Duration
	RequestTimeout   time.Duration
}

// ChatConfig holds prompt defaults and session behaviour.
type ChatConfig struct {
	DefaultModel        string
	DefaultAgent        string
	ModelAliases        map[string]string
	SessionTitle        string
	SessionTTL          time.Duration
	StreamMaxAttempts   int
	AcceptReasoningOnly bool
}

// PollConfig shapes the answer polling schedule.
type PollConfig struct {
	InitialDelay time.Duration
	BaseDelay    time.Duration
	Step         time.Duration
	MaxDelay     time.Duration
	Deadline     time.Duration
}

// SessionStoreConfig selects where the shared session slot lives.
type SessionStoreConfig struct {
	Type          string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// SSEConfig controls streaming responses.
type SSEConfig struct {
	MaxRequestBodySize int64
	RetryDelay         time.Duration
}

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ProbeConfig controls backend liveness probing.
type ProbeConfig struct {
	Interval time.Duration
	GRPCAddr string // empty disables the gRPC health server
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	backendPort := getEnvInt("OPENCODE_PORT", 4097)

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Backend: BackendConfig{
			Mode:             strings.ToLower(strings.TrimSpace(getEnv("OPENCODE_MODE", ""))),
			ServerURL:        getEnv("OPENCODE_SERVER_URL", "http://127.0.0.1:4096"),
			Port:             backendPort,
			Image:            getEnv("OPENCODE_IMAGE", "ghcr.io/sst/opencode:latest"),
			ContainerName:    getEnv("OPENCODE_CONTAINER_NAME", "opencode-backend"),
			ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
			StartTimeout:     getEnvDuration("OPENCODE_START_TIMEOUT", 15*time.Second),
			RequestTimeout:   getEnvDuration("OPENCODE_REQUEST_TIMEOUT", 10*time.Second),
		},
		Chat: ChatConfig{
			DefaultModel:        getEnv("DEFAULT_MODEL", "opencode/grok-code-fast-1"),
			DefaultAgent:        getEnv("DEFAULT_AGENT", "build"),
			ModelAliases:        parseAliases(getEnv("MODEL_ALIASES", "")),
			SessionTitle:        getEnv("SESSION_TITLE", "AI Command Center Chat"),
			SessionTTL:          getEnvDuration("SESSION_TTL", 5*time.Minute),
			StreamMaxAttempts:   getEnvInt("STREAM_MAX_ATTEMPTS", 10),
			AcceptReasoningOnly: getEnvBool("ACCEPT_REASONING_ONLY", false),
		},
		Poll: PollConfig{
			InitialDelay: getEnvDuration("POLL_INITIAL_DELAY", 500*time.Millisecond),
			BaseDelay:    getEnvDuration("POLL_BASE_DELAY", 300*time.Millisecond),
			Step:         getEnvDuration("POLL_STEP", 100*time.Millisecond),
			MaxDelay:     getEnvDuration("POLL_MAX_DELAY", time.Second),
			Deadline:     getEnvDuration("POLL_DEADLINE", 30*time.Second),
		},
		SessionStore: SessionStoreConfig{
			Type:          strings.ToLower(getEnv("SESSION_STORE", "memory")),
			RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Probe: ProbeConfig{
			Interval: getEnvDuration("PROBE_INTERVAL", 15*time.Second),
			GRPCAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}
	cfg.AllowedOrigins = parseOrigins(getEnv("CORS_ALLOWED_ORIGINS", ""), cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // One flat check per setting.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Backend.Mode {
	case "", "client", "embedded":
	default:
		return fmt.Errorf("OPENCODE_MODE must be client, embedded or empty, got %q", c.Backend.Mode)
	}
	if c.Backend.ServerURL == "" {
		return fmt.Errorf("OPENCODE_SERVER_URL cannot be empty")
	}
	if c.Backend.Port <= 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("OPENCODE_PORT must be a valid port, got %d", c.Backend.Port)
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("OPENCODE_REQUEST_TIMEOUT must be > 0")
	}
	if c.Chat.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Chat.StreamMaxAttempts <= 0 {
		return fmt.Errorf("STREAM_MAX_ATTEMPTS must be > 0")
	}
	if c.Poll.Deadline <= 0 {
		return fmt.Errorf("POLL_DEADLINE must be > 0")
	}
	if c.Poll.BaseDelay <= 0 || c.Poll.MaxDelay < c.Poll.BaseDelay {
		return fmt.Errorf("POLL_BASE_DELAY must be > 0 and <= POLL_MAX_DELAY")
	}
	switch c.SessionStore.Type {
	case "memory":
	case "redis":
		if c.SessionStore.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty when SESSION_STORE=redis")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be memory or redis, got %q", c.SessionStore.Type)
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Probe.Interval <= 0 {
		return fmt.Errorf("PROBE_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// parseAliases reads "from=to,from2=to2".
func parseAliases(raw string) map[string]string {
	aliases := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		from, to, ok := strings.Cut(pair, "=")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" || to == "" {
			continue
		}
		aliases[from] = to
	}
	return aliases
}

// parseOrigins reads a comma separated origin list. Without one, development
// allows any origin and production only the frontend URL.
func parseOrigins(raw string, c *Config) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) > 0 {
		return origins
	}
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimSuffix(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go duration strings ("750ms") or plain milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
