package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStoreReplace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	got, err := s.Get(ctx)
	if err != nil || got != nil {
		t.Fatalf("expected empty slot, got %+v err=%v", got, err)
	}

	first := &domain.Session{ID: "ses_1", CreatedAt: time.Now(), State: domain.SessionValid}
	if err := s.Replace(ctx, first); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	held, _ := s.Get(ctx)

	second := &domain.Session{ID: "ses_2", CreatedAt: time.Now(), State: domain.SessionValid}
	if err := s.Replace(ctx, second); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}

	if held.ID != "ses_1" {
		t.Fatalf("reference held before replace must not change, got %q", held.ID)
	}
	if got, _ := s.Get(ctx); got.ID != "ses_2" {
		t.Fatalf("expected ses_2, got %q", got.ID)
	}

	if err := s.Replace(ctx, nil); err != nil {
		t.Fatalf("Replace(nil) failed: %v", err)
	}
	if got, _ := s.Get(ctx); got != nil {
		t.Fatalf("expected empty slot after Replace(nil), got %+v", got)
	}
}

func TestMemoryStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Replace(ctx, &domain.Session{ID: "ses", State: domain.SessionValid})
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Get(ctx)
		}()
	}
	wg.Wait()
}

func TestNewRejectsUnknownType(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Type("etcd"), RedisConfig{})
	if !errors.Is(err, ErrInvalidStoreType) {
		t.Fatalf("expected ErrInvalidStoreType, got %v", err)
	}

	s, err := New(context.Background(), "", RedisConfig{})
	if err != nil {
		t.Fatalf("expected default memory store, got %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", s)
	}
}

func TestRedisStoreReplace(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewRedisStore(client, "agent-bridge:test:"+t.Name(), time.Minute)
	t.Cleanup(func() {
		_ = s.Replace(ctx, nil)
		_ = s.Close()
	})

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	created := time.Now().UTC().Truncate(time.Second)
	if err := s.Replace(ctx, &domain.Session{ID: "ses_1", CreatedAt: created, State: domain.SessionValid}); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	got, err := s.Get(ctx)
	if err != nil || got == nil || got.ID != "ses_1" || !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected slot: %+v err=%v", got, err)
	}

	if err := s.Replace(ctx, domain.NewDegradedSession(created, errors.New("down"))); err != nil {
		t.Fatalf("Replace degraded failed: %v", err)
	}
	if got, _ := s.Get(ctx); got != nil {
		t.Fatalf("degraded session must clear the slot, got %+v", got)
	}
}
