package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
	"github.com/ashureev/agent-bridge/internal/store"
)

// SessionCache hands out the single shared chat session, creating a new one
// when the slot is empty, degraded, or older than the freshness window.
type SessionCache struct {
	backend Backend
	store   store.SessionStore
	title   string
	ttl     time.Duration
	now     func() time.Time

	// createMu serializes creation so the slot is never forked.
	createMu sync.Mutex
}

// NewSessionCache creates a cache over the given slot store.
func NewSessionCache(backend Backend, slot store.SessionStore, title string, ttl time.Duration) *SessionCache {
	return &SessionCache{
		backend: backend,
		store:   slot,
		title:   title,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the current session. It never fails: when no backend session
// can be obtained it returns a degraded session carrying the cause.
func (c *SessionCache) Get(ctx context.Context) *domain.Session {
	if sess := c.current(ctx); sess.Fresh(c.now(), c.ttl) {
		return sess
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()

	// Another caller may have replaced the slot while we waited.
	if sess := c.current(ctx); sess.Fresh(c.now(), c.ttl) {
		return sess
	}

	sess := c.obtain(ctx)
	if err := c.store.Replace(ctx, sess); err != nil {
		slog.Warn("failed to store chat session", "session_id", sess.ID, "error", err)
	}
	return sess
}

// Invalidate empties the slot if it still holds sessionID.
func (c *SessionCache) Invalidate(ctx context.Context, sessionID string) {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	sess := c.current(ctx)
	if sess == nil || sess.ID != sessionID {
		return
	}
	if err := c.store.Replace(ctx, nil); err != nil {
		slog.Warn("failed to invalidate chat session", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("Chat session invalidated", "session_id", sessionID)
}

// Reset empties the slot and stops the session's in-flight generation on the
// backend; with remove set the backend session is deleted too. Backend
// failures are returned after the slot is already cleared.
func (c *SessionCache) Reset(ctx context.Context, remove bool) (string, error) {
	c.createMu.Lock()
	defer c.createMu.Unlock()

	sess := c.current(ctx)
	if err := c.store.Replace(ctx, nil); err != nil {
		return "", fmt.Errorf("clear session slot: %w", err)
	}
	if sess.Degraded() {
		return "", nil
	}

	var errs []error
	if err := c.backend.Abort(ctx, sess.ID); err != nil {
		errs = append(errs, err)
	}
	if remove {
		if err := c.backend.DeleteSession(ctx, sess.ID); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("Chat session reset", "session_id", sess.ID, "removed", remove)
	return sess.ID, errors.Join(errs...)
}

func (c *SessionCache) current(ctx context.Context) *domain.Session {
	sess, err := c.store.Get(ctx)
	if err != nil {
		slog.Warn("failed to read chat session", "error", err)
		return nil
	}
	return sess
}

// obtain creates a session, adopts the most recent existing one, or
// returns a degraded session, in that order.
func (c *SessionCache) obtain(ctx context.Context) *domain.Session {
	now := c.now()

	created, createErr := c.backend.CreateSession(ctx, c.title)
	if createErr == nil && created != nil && created.ID != "" {
		created.CreatedAt = now
		created.State = domain.SessionValid
		slog.Info("Chat session created", "session_id", created.ID)
		return created
	}
	if createErr == nil {
		createErr = errNoSession
	}
	slog.Warn("Session creation failed, trying to adopt an existing session", "error", createErr)

	sessions, listErr := c.backend.ListSessions(ctx)
	if listErr == nil {
		if adopted := mostRecent(sessions); adopted != nil {
			adopted.CreatedAt = now
			adopted.State = domain.SessionValid
			slog.Info("Adopted existing chat session", "session_id", adopted.ID)
			return adopted
		}
	}

	cause := &SessionError{CreateErr: createErr, ListErr: listErr}
	slog.Warn("No usable chat session, using degraded mode", "error", cause)
	return domain.NewDegradedSession(now, cause)
}

// mostRecent picks the session with the latest update time; ties go to the
// later list position.
func mostRecent(sessions []domain.Session) *domain.Session {
	var best *domain.Session
	for i := range sessions {
		s := sessions[i]
		if s.ID == "" {
			continue
		}
		if best == nil || !s.UpdatedAt.Before(best.UpdatedAt) {
			best = &s
		}
	}
	return best
}
