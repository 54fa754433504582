package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsRequestTimeout bounds how long a client may take to send its prompt.
const wsRequestTimeout = 30 * time.Second

// HandleStreamWS handles GET /api/stream/ws. The first text frame carries the
// chat request; every event is sent as one JSON text frame and the socket is
// closed after done.
func (h *Handler) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	if !h.rateLimiter.Allow(clientKey(r)) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	ws.SetReadLimit(maxBodySize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, ok := readWSRequest(ctx, ws)
	if !ok {
		return
	}

	// The client never sends again; reading keeps control frames flowing and
	// cancels the stream when the peer goes away.
	ctx = ws.CloseRead(ctx)

	streamID := uuid.Must(uuid.NewV7()).String()
	slog.Info("Chat WebSocket stream started", "stream_id", streamID, "message_length", len(req.Message))

	events := 0
	for ev := range h.agent.Stream(ctx, req) {
		if err := writeWSJSON(ctx, ws, ev); err != nil {
			slog.Info("Chat WebSocket client went away", "stream_id", streamID, "events", events, "error", err)
			return
		}
		events++
	}
	slog.Info("Chat WebSocket stream finished", "stream_id", streamID, "events", events)
}

func readWSRequest(ctx context.Context, ws *websocket.Conn) (ChatRequest, bool) {
	readCtx, cancel := context.WithTimeout(ctx, wsRequestTimeout)
	defer cancel()

	typ, data, err := ws.Read(readCtx)
	if err != nil {
		if websocket.CloseStatus(err) == -1 {
			slog.Warn("Failed to read WebSocket chat request", "error", err)
		}
		return ChatRequest{}, false
	}

	var req ChatRequest
	if typ != websocket.MessageText || json.Unmarshal(data, &req) != nil {
		_ = writeWSJSON(ctx, ws, Event{Type: EventError, Content: "invalid request body"})
		_ = writeWSJSON(ctx, ws, Event{Type: EventDone})
		return ChatRequest{}, false
	}
	if strings.TrimSpace(req.Message) == "" {
		_ = writeWSJSON(ctx, ws, Event{Type: EventError, Content: ErrEmptyMessage.Error()})
		_ = writeWSJSON(ctx, ws, Event{Type: EventDone})
		return ChatRequest{}, false
	}
	return req, true
}

func writeWSJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns returns the hosts allowed to open a WebSocket.
func (h *Handler) originPatterns() []string {
	if h.cfg == nil || len(h.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(h.cfg.AllowedOrigins))
	for _, origin := range h.cfg.AllowedOrigins {
		if origin == "*" {
			return []string{"*"}
		}
		host := origin
		if i := strings.Index(host, "://"); i >= 0 {
			host = host[i+3:]
		}
		patterns = append(patterns, strings.TrimSuffix(host, "/"))
	}
	return patterns
}
