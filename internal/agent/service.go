package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
	"github.com/ashureev/agent-bridge/internal/opencode"
	"github.com/ashureev/agent-bridge/internal/store"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Service answers chat requests through the shared backend session.
type Service struct {
	sessions     *SessionCache
	dispatcher   *Dispatcher
	poller       *Poller
	streamPoller *Poller
	log          ConversationLogger
}

// NewService wires the session cache, dispatcher and pollers over backend.
func NewService(backend Backend, slot store.SessionStore, cfg Config, conversationLogger ConversationLogger) *Service {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	poller := NewPoller(backend, cfg.Poll, cfg.AcceptReasoningOnly)
	return &Service{
		sessions:     NewSessionCache(backend, slot, cfg.SessionTitle, cfg.SessionTTL),
		dispatcher:   NewDispatcher(backend, cfg),
		poller:       poller,
		streamPoller: poller.WithMaxAttempts(cfg.StreamMaxAttempts),
		log:          conversationLogger,
	}
}

// Answer runs one prompt to completion and returns the aggregated answer.
// It never fails: every error is folded into the response and its mode.
// Cancelling ctx does not abort the exchange.
func (s *Service) Answer(ctx context.Context, req ChatRequest) *ChatResponse {
	ctx = context.WithoutCancel(ctx)
	resp := s.answer(ctx, req)
	s.logExchange(ctx, "chat_http", req, resp.SessionID, resp.Response, map[string]any{
		"mode":  resp.Mode,
		"error": resp.Error,
	})
	return resp
}

func (s *Service) answer(ctx context.Context, req ChatRequest) *ChatResponse {
	prompt, err := s.dispatcher.Request(req)
	if err != nil {
		return &ChatResponse{Response: dispatchFailAnswer, Mode: ModeError, Error: err.Error()}
	}

	sess := s.sessions.Get(ctx)
	if sess.Degraded() {
		return &ChatResponse{
			Response: fmt.Sprintf(fallbackAnswer, req.Message),
			Mode:     ModeFallback,
			Error:    causeOf(sess),
			Guidance: opencode.Guidance(sess.Cause),
		}
	}

	since := s.poller.Baseline(ctx, sess.ID)
	if err := s.dispatcher.Dispatch(ctx, sess, prompt); err != nil {
		slog.Error("Prompt dispatch failed", "session_id", sess.ID, "error", err)
		s.sessions.Invalidate(ctx, sess.ID)
		return &ChatResponse{
			Response:  dispatchFailAnswer,
			SessionID: sess.ID,
			Mode:      ModeError,
			Error:     err.Error(),
			Guidance:  opencode.Guidance(err),
		}
	}

	msg, err := s.poller.Poll(ctx, sess.ID, since, nil)
	switch {
	case errors.Is(err, ErrPollTimeout):
		return &ChatResponse{Response: timeoutAnswer, SessionID: sess.ID, Mode: ModeTimeout, Error: err.Error()}
	case err != nil:
		return &ChatResponse{Response: pollFailAnswer, SessionID: sess.ID, Mode: ModeError, Error: err.Error()}
	}

	answer := Classify(msg.Fragments)
	return &ChatResponse{
		Response:     answer.Text,
		Reasoning:    answer.Reasoning,
		HasReasoning: answer.Reasoning != "",
		SessionID:    sess.ID,
		Mode:         ModeSession,
		ToolActivity: answer.ToolActivity,
	}
}

// Stream runs one prompt and yields progress and answer events. The
// sequence ends with exactly one done event unless the consumer stops early,
// in which case no further backend calls are made.
func (s *Service) Stream(ctx context.Context, req ChatRequest) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		rec := &streamRecorder{yield: yield}
		if !s.stream(ctx, req, rec) {
			s.logExchange(ctx, "chat_stream", req, rec.sessionID, rec.text(), map[string]any{"partial": true})
			return
		}
		s.logExchange(ctx, "chat_stream", req, rec.sessionID, rec.text(), map[string]any{"events": rec.count})
		yield(Event{Type: EventDone})
	}
}

// stream reports false when the consumer stopped listening.
func (s *Service) stream(ctx context.Context, req ChatRequest, rec *streamRecorder) bool {
	if !rec.emit(Event{Type: EventStatus, Content: statusConnected}) {
		return false
	}

	prompt, err := s.dispatcher.Request(req)
	if err != nil {
		return rec.emit(Event{Type: EventError, Content: err.Error()})
	}

	sess := s.sessions.Get(ctx)
	if sess.Degraded() {
		return rec.emit(Event{
			Type:     EventError,
			Content:  "Agent backend unavailable: " + causeOf(sess),
			Guidance: opencode.Guidance(sess.Cause),
		})
	}
	rec.sessionID = sess.ID

	if !rec.emit(Event{Type: EventStatus, Content: statusProcessing}) {
		return false
	}

	since := s.streamPoller.Baseline(ctx, sess.ID)
	if err := s.dispatcher.Dispatch(ctx, sess, prompt); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Error("Prompt dispatch failed", "session_id", sess.ID, "error", err)
		s.sessions.Invalidate(ctx, sess.ID)
		return rec.emit(Event{Type: EventError, Content: err.Error(), Guidance: opencode.Guidance(err)})
	}

	msg, err := s.streamPoller.Poll(ctx, sess.ID, since, func(PollState) bool {
		return rec.emit(Event{Type: EventStatus, Content: statusThinking})
	})
	switch {
	case errors.Is(err, ErrPollStopped), err != nil && ctx.Err() != nil:
		// The consumer is gone; nothing more is sent.
		return false
	case errors.Is(err, ErrPollTimeout):
		return rec.emit(Event{Type: EventText, Content: timeoutText})
	case err != nil:
		return rec.emit(Event{Type: EventError, Content: err.Error()})
	}

	for _, f := range msg.Fragments {
		ev, ok := fragmentEvent(f)
		if !ok {
			continue
		}
		if !rec.emit(ev) {
			return false
		}
	}
	return true
}

// fragmentEvent maps a fragment to its stream event. Reasoning is not streamed.
func fragmentEvent(f domain.Fragment) (Event, bool) {
	switch f.Kind {
	case domain.FragmentText:
		if f.Content == "" {
			return Event{}, false
		}
		return Event{Type: EventText, Content: f.Content}, true
	case domain.FragmentToolCall:
		return Event{Type: EventToolCall, Name: f.Name, Args: f.Arguments}, true
	case domain.FragmentToolResult:
		return Event{Type: EventToolResult, Output: f.Output}, true
	default:
		return Event{}, false
	}
}

func causeOf(sess *domain.Session) string {
	if sess == nil || sess.Cause == nil {
		return "no backend session available"
	}
	return sess.Cause.Error()
}

func (s *Service) logExchange(ctx context.Context, channel string, req ChatRequest, sessionID, answer string, meta map[string]any) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	reqID := chiMiddleware.GetReqID(ctx)
	s.log.Log(ConversationLogEvent{
		Timestamp:  now,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: req.Message,
		Content:    cleanForReadability(req.Message),
		Meta: map[string]any{
			"request_id": reqID,
			"model":      req.Model,
			"agent":      req.Agent,
		},
	})
	if meta == nil {
		meta = map[string]any{}
	}
	meta["request_id"] = reqID
	s.log.Log(ConversationLogEvent{
		Timestamp:  now,
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: answer,
		Content:    cleanForReadability(answer),
		Meta:       meta,
	})
}

// ResetSession drops the shared session so the next request starts a new one.
func (s *Service) ResetSession(ctx context.Context, remove bool) (string, error) {
	return s.sessions.Reset(ctx, remove)
}

// Close releases service resources.
func (s *Service) Close() error {
	return s.log.Close()
}

// streamRecorder forwards events to the consumer and keeps what the
// conversation log needs.
type streamRecorder struct {
	yield     func(Event) bool
	sessionID string
	answer    []byte
	count     int
}

func (r *streamRecorder) emit(ev Event) bool {
	r.count++
	if ev.Type == EventText {
		r.answer = append(r.answer, ev.Content...)
	}
	return r.yield(ev)
}

func (r *streamRecorder) text() string {
	return string(r.answer)
}
