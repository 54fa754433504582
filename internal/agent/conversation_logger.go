package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogger records prompts and answers for later review.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogConfig controls where conversation events are written.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one NDJSON line of the conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// fileConversationLogger writes events from a single background goroutine.
type fileConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	events chan ConversationLogEvent
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewConversationLogger returns a logger writing one NDJSON file per
// user/session under cfg.Dir and, optionally, every event to cfg.GlobalPath.
// A disabled configuration yields a no-op logger.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Enabled {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("conversation log dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create conversation log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if cfg.GlobalPath == "" {
			return nil, fmt.Errorf("conversation log global path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create conversation log global dir: %w", err)
		}
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		logger: logger,
		events: make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues the event; it drops the event when the queue is full.
func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"session_id", event.SessionID,
			"event_type", event.EventType,
		)
	}
}

// Close flushes queued events and stops the writer.
func (l *fileConversationLogger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.events)
		l.mu.Unlock()
		<-l.done
	})
	return nil
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.events {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to marshal conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if l.cfg.Enabled {
			if err := appendLine(l.sessionPath(event), line); err != nil {
				l.logger.Warn("failed to write conversation log", "session_id", event.SessionID, "error", err)
			}
		}
		if l.cfg.GlobalEnabled {
			if err := appendLine(l.cfg.GlobalPath, line); err != nil {
				l.logger.Warn("failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *fileConversationLogger) sessionPath(event ConversationLogEvent) string {
	user := safePathSegment(event.UserID, "anonymous")
	session := safePathSegment(event.SessionID, "no-session")
	return filepath.Join(l.cfg.Dir, user, session+".ndjson")
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path is built from sanitized segments
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safePathSegment(s, fallback string) string {
	s = unsafePathChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return fallback
	}
	return s
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07`)

// cleanForReadability strips terminal escape sequences and control characters
// and trims surrounding whitespace.
func cleanForReadability(s string) string {
	s = ansiSequence.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
