package store

import (
	"context"
	"sync"

	"github.com/ashureev/agent-bridge/internal/domain"
)

// MemoryStore keeps the session slot in process memory.
// Process restart loses the session.
type MemoryStore struct {
	mu      sync.RWMutex
	current *domain.Session
}

// NewMemoryStore creates an empty in-memory slot.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the current session, or nil.
func (s *MemoryStore) Get(_ context.Context) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, nil
}

// Replace swaps the slot for s.
func (s *MemoryStore) Replace(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = sess
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close empties the slot.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	return nil
}
