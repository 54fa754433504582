// Package store provides the session slot abstraction and its implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/agent-bridge/internal/domain"
)

// ErrInvalidStoreType is returned for an unknown store type.
var ErrInvalidStoreType = errors.New("invalid session store type")

// SessionStore holds the single active chat session.
// Writers replace the whole slot; there is no partial mutation.
type SessionStore interface {
	// Get returns the current session, or nil if the slot is empty.
	Get(ctx context.Context) (*domain.Session, error)

	// Replace stores s as the current session. A nil s empties the slot.
	Replace(ctx context.Context, s *domain.Session) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Type names a SessionStore implementation.
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)
