package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "FRONTEND_URL", "OPENCODE_MODE", "SESSION_STORE", "MODEL_ALIASES", "CORS_ALLOWED_ORIGINS", "POLL_DEADLINE"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("SESSION_STORE", "memory")
	t.Setenv("POLL_DEADLINE", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.Mode != "" {
		t.Fatalf("expected auto-detect mode, got %q", cfg.Backend.Mode)
	}
	if cfg.Chat.SessionTTL != 5*time.Minute {
		t.Fatalf("unexpected session TTL: %v", cfg.Chat.SessionTTL)
	}
	if cfg.Poll.Deadline != 30*time.Second {
		t.Fatalf("unexpected poll deadline: %v", cfg.Poll.Deadline)
	}
	if len(cfg.Chat.ModelAliases) != 0 {
		t.Fatalf("expected no aliases by default, got %v", cfg.Chat.ModelAliases)
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"*"}) {
		t.Fatalf("development should allow any origin, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OPENCODE_MODE", "Embedded")
	t.Setenv("POLL_DEADLINE", "1500")
	t.Setenv("POLL_BASE_DELAY", "200ms")
	t.Setenv("MODEL_ALIASES", "grok-code-fast-1=grok-code, bad, =x,acme/fast=acme/faster")
	t.Setenv("ACCEPT_REASONING_ONLY", "yes")
	t.Setenv("FRONTEND_URL", "https://dash.example.com/")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	t.Setenv("SESSION_STORE", "memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.Mode != "embedded" {
		t.Fatalf("mode should be normalized, got %q", cfg.Backend.Mode)
	}
	if cfg.Poll.Deadline != 1500*time.Millisecond {
		t.Fatalf("plain numbers are milliseconds, got %v", cfg.Poll.Deadline)
	}
	if cfg.Poll.BaseDelay != 200*time.Millisecond {
		t.Fatalf("unexpected base delay: %v", cfg.Poll.BaseDelay)
	}
	want := map[string]string{"grok-code-fast-1": "grok-code", "acme/fast": "acme/faster"}
	if !reflect.DeepEqual(cfg.Chat.ModelAliases, want) {
		t.Fatalf("aliases = %v, want %v", cfg.Chat.ModelAliases, want)
	}
	if !cfg.Chat.AcceptReasoningOnly {
		t.Fatal("expected reasoning-only switch to be on")
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"https://dash.example.com"}) {
		t.Fatalf("production should only allow the frontend, got %v", cfg.AllowedOrigins)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		return &Config{
			Port:         "8080",
			Backend:      BackendConfig{ServerURL: "http://127.0.0.1:4096", Port: 4097, RequestTimeout: time.Second},
			Chat:         ChatConfig{SessionTTL: time.Minute, StreamMaxAttempts: 10},
			Poll:         PollConfig{BaseDelay: 300 * time.Millisecond, MaxDelay: time.Second, Deadline: 30 * time.Second},
			SessionStore: SessionStoreConfig{Type: "memory"},
			SSE:          SSEConfig{MaxRequestBodySize: 1 << 20},
			RateLimit:    RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute},
			Probe:        ProbeConfig{Interval: time.Second},
			ConversationLog: ConversationLogConfig{
				Dir:        "logs",
				GlobalPath: "logs/all.ndjson",
				QueueSize:  1,
			},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("baseline config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown mode", func(c *Config) { c.Backend.Mode = "remote" }, "OPENCODE_MODE"},
		{"bad port", func(c *Config) { c.Backend.Port = 70000 }, "OPENCODE_PORT"},
		{"redis without addr", func(c *Config) { c.SessionStore = SessionStoreConfig{Type: "redis"} }, "REDIS_ADDR"},
		{"unknown store", func(c *Config) { c.SessionStore.Type = "sqlite" }, "SESSION_STORE"},
		{"delay above cap", func(c *Config) { c.Poll.BaseDelay = 2 * time.Second }, "POLL_BASE_DELAY"},
		{"zero deadline", func(c *Config) { c.Poll.Deadline = 0 }, "POLL_DEADLINE"},
		{"zero attempts", func(c *Config) { c.Chat.StreamMaxAttempts = 0 }, "STREAM_MAX_ATTEMPTS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}
