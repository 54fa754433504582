package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashureev/agent-bridge/internal/domain"
)

// Dispatcher submits prompts to the backend.
type Dispatcher struct {
	backend      Backend
	defaultModel domain.ModelRef
	defaultAgent string
	aliases      map[string]string
}

// NewDispatcher creates a dispatcher that fills in the given defaults.
func NewDispatcher(backend Backend, cfg Config) *Dispatcher {
	return &Dispatcher{
		backend:      backend,
		defaultModel: cfg.DefaultModel,
		defaultAgent: cfg.DefaultAgent,
		aliases:      cfg.ModelAliases,
	}
}

// Request builds a PromptRequest from a chat request, applying defaults and
// model aliases.
func (d *Dispatcher) Request(req ChatRequest) (domain.PromptRequest, error) {
	if strings.TrimSpace(req.Message) == "" {
		return domain.PromptRequest{}, ErrEmptyMessage
	}
	agent := strings.TrimSpace(req.Agent)
	if agent == "" {
		agent = d.defaultAgent
	}
	model := domain.ParseModelRef(req.Model, d.defaultModel).WithAliases(d.aliases)
	return domain.PromptRequest{
		Message: req.Message,
		Model:   model,
		Agent:   agent,
	}, nil
}

// Dispatch submits req against sess. It only confirms the backend accepted
// the prompt; the answer has to be polled for.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *domain.Session, req domain.PromptRequest) error {
	if sess.Degraded() {
		return ErrDegradedSession
	}

	slog.Info("Dispatching prompt",
		"session_id", sess.ID,
		"model", req.Model.String(),
		"agent", req.Agent,
		"message_length", len(req.Message),
	)
	if err := d.backend.Prompt(ctx, sess.ID, req); err != nil {
		return &DispatchError{SessionID: sess.ID, Err: err}
	}
	return nil
}
