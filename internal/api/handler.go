// Package api provides the operational HTTP endpoints of the bridge.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/agent-bridge/internal/config"
	"github.com/ashureev/agent-bridge/internal/probe"
	"github.com/go-chi/chi/v5"
)

// StatusSource reports the last known backend status.
type StatusSource interface {
	Status() probe.Status
}

// SessionResetter drops the shared chat session.
type SessionResetter interface {
	ResetSession(ctx context.Context, remove bool) (string, error)
}

// Pinger is a dependency that can be health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves status, config, health and session endpoints.
type Handler struct {
	status   StatusSource
	sessions SessionResetter
	store    Pinger
	cfg      *config.Config
}

// NewHandler creates a new Handler. cfg may be nil.
func NewHandler(status StatusSource, sessions SessionResetter, store Pinger, cfg *config.Config) *Handler {
	return &Handler{
		status:   status,
		sessions: sessions,
		store:    store,
		cfg:      cfg,
	}
}

// RegisterRoutes registers the operational routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/config", h.GetConfig)
		r.Get("/health", h.Health)
		r.Post("/session/reset", h.ResetSession)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// GetStatus returns the last backend probe; 503 while the backend is down.
func (h *Handler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.status.Status()
	code := http.StatusOK
	if !st.Connected {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, st)
}

// GetConfig returns the client-facing chat defaults.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"mode":       h.status.Status().Mode,
		"transports": []string{"http", "sse", "websocket"},
	}
	if h.cfg != nil {
		resp["defaultModel"] = h.cfg.Chat.DefaultModel
		resp["defaultAgent"] = h.cfg.Chat.DefaultAgent
		resp["sessionTtlSeconds"] = int(h.cfg.Chat.SessionTTL.Seconds())
		resp["pollDeadlineSeconds"] = int(h.cfg.Poll.Deadline.Seconds())
	}
	JSON(w, http.StatusOK, resp)
}

// Health returns the health status of the API and its dependencies.
// The backend being down degrades the bridge but does not fail it, since
// chat requests still get fallback answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "session_store", "error", err)
		status["status"] = "unhealthy"
		checks["session_store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["session_store"] = "ok"
	}

	if st := h.status.Status(); st.Connected {
		checks["backend"] = "ok"
	} else {
		checks["backend"] = st.Status
		if statusCode == http.StatusOK {
			status["status"] = "degraded"
		}
	}

	JSON(w, statusCode, status)
}

// ResetSession handles POST /api/session/reset. With ?delete=true the backend
// session is removed as well. Backend failures are reported but the slot is
// cleared regardless.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	remove, _ := strconv.ParseBool(r.URL.Query().Get("delete"))

	sessionID, err := h.sessions.ResetSession(r.Context(), remove)
	resp := map[string]interface{}{
		"reset":     true,
		"sessionId": sessionID,
	}
	if err != nil {
		if sessionID == "" {
			slog.Error("Failed to reset chat session", "error", err)
			Error(w, http.StatusInternalServerError, "failed to reset session")
			return
		}
		slog.Warn("Chat session reset with backend errors", "session_id", sessionID, "error", err)
		resp["warning"] = err.Error()
	}
	JSON(w, http.StatusOK, resp)
}
