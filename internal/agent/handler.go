package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agent-bridge/internal/config"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// Handler serves the chat endpoints.
type Handler struct {
	agent       *Service
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// RateLimiter implements a per-client sliding window rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// NewHandler creates a chat handler. A nil cfg uses defaults.
func NewHandler(agentService *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		agent:       agentService,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		cfg:         cfg,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Post("/api/stream", h.HandleStream)
	r.Get("/api/stream/ws", h.HandleStreamWS)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if h.agent != nil {
		if err := h.agent.Close(); err != nil {
			slog.Warn("failed to close conversation logger", "error", err)
		}
	}
}

// HandleChat handles POST /api/chat and returns the aggregated answer.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	slog.Info("Chat request",
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
		"model", req.Model,
	)

	resp := h.agent.Answer(r.Context(), req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("failed to write chat response", "error", err)
	}
}

// HandleStream handles POST /api/stream and streams events as SSE.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	streamID := uuid.Must(uuid.NewV7()).String()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-ID", streamID)

	retryDelayMs := int64(5000) // default 5 seconds
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "stream_id", streamID)
		return
	}
	flusher.Flush()

	slog.Info("Chat stream started",
		"stream_id", streamID,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"message_length", len(req.Message),
	)

	var eventID int64
	for ev := range h.agent.Stream(r.Context(), req) {
		if r.Context().Err() != nil {
			slog.Info("Chat stream client disconnected", "stream_id", streamID, "events", eventID)
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Warn("failed to marshal stream event", "error", err, "stream_id", streamID)
			return
		}
		eventID++
		if err := writeSSEWithID(w, eventID, string(ev.Type), string(data)); err != nil {
			slog.Warn("failed to write SSE event", "error", err, "stream_id", streamID)
			return
		}
		flusher.Flush()
	}
	slog.Info("Chat stream finished", "stream_id", streamID, "events", eventID)
}

// decodeRequest applies rate limiting and body validation, writing the error
// response itself when the request is rejected.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	if !h.rateLimiter.Allow(clientKey(r)) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return ChatRequest{}, false
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return ChatRequest{}, false
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return ChatRequest{}, false
	}

	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return ChatRequest{}, false
	}
	return req, true
}

// clientKey identifies the caller for rate limiting. RealIP middleware has
// already rewritten RemoteAddr when proxy headers are present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
