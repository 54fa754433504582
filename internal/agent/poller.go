package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
)

// PollConfig shapes the retry schedule of the Poller.
type PollConfig struct {
	InitialDelay time.Duration
	BaseDelay    time.Duration
	Step         time.Duration
	MaxDelay     time.Duration
	Deadline     time.Duration
	// MaxAttempts bounds the number of fetches; 0 leaves only the deadline.
	MaxAttempts int
}

// DefaultPollConfig returns the default schedule: 500ms initial wait, then
// 300ms growing by 100ms per attempt up to 1s, for at most 30s.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay: 500 * time.Millisecond,
		BaseDelay:    300 * time.Millisecond,
		Step:         100 * time.Millisecond,
		MaxDelay:     time.Second,
		Deadline:     30 * time.Second,
	}
}

// Delay returns the wait after the given 1-based attempt.
func (c PollConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BaseDelay + c.Step*time.Duration(attempt-1)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// PollState is the per-request progress of one poll loop.
type PollState struct {
	Attempt   int
	Elapsed   time.Duration
	NextDelay time.Duration
}

// Poller waits for the assistant's answer by re-reading the message log.
type Poller struct {
	backend             Backend
	cfg                 PollConfig
	acceptReasoningOnly bool
	now                 func() time.Time
	sleep               func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller using the wall clock.
func NewPoller(backend Backend, cfg PollConfig, acceptReasoningOnly bool) *Poller {
	return &Poller{
		backend:             backend,
		cfg:                 cfg,
		acceptReasoningOnly: acceptReasoningOnly,
		now:                 time.Now,
		sleep:               sleepContext,
	}
}

// WithMaxAttempts returns a copy of the poller bounded to n fetches.
func (p *Poller) WithMaxAttempts(n int) *Poller {
	cp := *p
	cp.cfg.MaxAttempts = n
	return &cp
}

// Baseline returns the id of the session's latest assistant message. Taken
// before dispatch, it is the since marker for Poll. A failed fetch yields ""
// and Poll then relies on message order alone.
func (p *Poller) Baseline(ctx context.Context, sessionID string) string {
	msgs, err := p.backend.Messages(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to read message log before dispatch", "session_id", sessionID, "error", err)
		return ""
	}
	if msg := domain.LatestAssistant(msgs); msg != nil {
		return msg.ID
	}
	return ""
}

// Poll fetches the session's messages until an assistant message newer than
// since qualifies, the deadline passes, or the attempt budget runs out.
// observe, if set, sees the state before every wait; returning false stops
// the loop with ErrPollStopped. Fetch failures count as not-ready attempts.
// Each fetch is cut off at the deadline, so Poll returns within it.
func (p *Poller) Poll(ctx context.Context, sessionID, since string, observe func(PollState) bool) (*domain.Message, error) {
	start := p.now()
	if err := p.sleep(ctx, min(p.cfg.InitialDelay, p.cfg.Deadline)); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		remaining := p.cfg.Deadline - p.now().Sub(start)
		if remaining <= 0 {
			return nil, p.timeout(sessionID, attempt-1, lastErr)
		}

		fetchCtx, cancel := context.WithTimeout(ctx, remaining)
		msgs, err := p.backend.Messages(fetchCtx, sessionID)
		cancel()
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			slog.Warn("Failed to fetch session messages", "session_id", sessionID, "attempt", attempt, "error", err)
		default:
			if msg := domain.AnswerSince(msgs, since); p.ready(msg) {
				slog.Debug("Assistant answer ready", "session_id", sessionID, "attempt", attempt, "elapsed", p.now().Sub(start))
				return msg, nil
			}
		}

		elapsed := p.now().Sub(start)
		remaining = p.cfg.Deadline - elapsed
		if remaining <= 0 || (p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts) {
			return nil, p.timeout(sessionID, attempt, lastErr)
		}

		state := PollState{Attempt: attempt, Elapsed: elapsed, NextDelay: min(p.cfg.Delay(attempt), remaining)}
		if observe != nil && !observe(state) {
			return nil, ErrPollStopped
		}
		if err := p.sleep(ctx, state.NextDelay); err != nil {
			return nil, err
		}
	}
}

func (p *Poller) timeout(sessionID string, attempts int, lastErr error) error {
	slog.Info("Gave up waiting for assistant answer", "session_id", sessionID, "attempts", attempts)
	if lastErr != nil {
		return fmt.Errorf("%w (last fetch error: %v)", ErrPollTimeout, lastErr)
	}
	return ErrPollTimeout
}

// ready reports whether msg is a complete answer: a non-empty text fragment,
// or, once the backend marked it completed, any other non-empty content.
// Reasoning alone only counts when acceptReasoningOnly is set.
func (p *Poller) ready(msg *domain.Message) bool {
	if msg == nil {
		return false
	}
	for _, f := range msg.Fragments {
		if strings.TrimSpace(f.Payload()) == "" {
			continue
		}
		switch f.Kind {
		case domain.FragmentText:
			return true
		case domain.FragmentReasoning:
			if p.acceptReasoningOnly && msg.Completed {
				return true
			}
		default:
			if msg.Completed {
				return true
			}
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
