package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/agent-bridge/internal/domain"
	"github.com/ashureev/agent-bridge/internal/store"
)

// fakeBackend records every call and serves a scripted message log.
type fakeBackend struct {
	mu sync.Mutex

	createErr   error
	listErr     error
	promptErr   error
	messagesErr func(call int) error
	abortErr    error
	existing    []domain.Session
	createDelay time.Duration
	// blockFetch makes Messages hang until its context ends.
	blockFetch bool

	// log returns the message log for the nth Messages call (1-based).
	log func(call int) []domain.Message

	createCalls   int
	listCalls     int
	messagesCalls int
	abortCalls    int
	deleteCalls   int
	prompts       []domain.PromptRequest
	promptTargets []string
}

func (f *fakeBackend) CreateSession(_ context.Context, title string) (*domain.Session, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &domain.Session{ID: fmt.Sprintf("ses_%d", f.createCalls), Title: title}, nil
}

func (f *fakeBackend) ListSessions(context.Context) ([]domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.Session(nil), f.existing...), nil
}

func (f *fakeBackend) Prompt(_ context.Context, sessionID string, req domain.PromptRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req)
	f.promptTargets = append(f.promptTargets, sessionID)
	return f.promptErr
}

func (f *fakeBackend) Messages(ctx context.Context, _ string) ([]domain.Message, error) {
	if f.blockFetch {
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
		}
		f.mu.Lock()
		f.messagesCalls++
		f.mu.Unlock()
		return nil, fmt.Errorf("fetch messages: %w", ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messagesCalls++
	if f.messagesErr != nil {
		if err := f.messagesErr(f.messagesCalls); err != nil {
			return nil, err
		}
	}
	if f.log == nil {
		return nil, nil
	}
	return f.log(f.messagesCalls), nil
}

func (f *fakeBackend) Abort(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	return f.abortErr
}

func (f *fakeBackend) DeleteSession(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return nil
}

func (f *fakeBackend) counts() (creates, lists, prompts, fetches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls, f.listCalls, len(f.prompts), f.messagesCalls
}

// fakeClock advances only when the code under test sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestPoller(backend Backend, cfg PollConfig, acceptReasoningOnly bool) (*Poller, *fakeClock) {
	clock := newFakeClock()
	p := NewPoller(backend, cfg, acceptReasoningOnly)
	p.now = clock.Now
	p.sleep = clock.Sleep
	return p, clock
}

func newTestService(backend Backend, cfg Config) (*Service, *fakeClock) {
	clock := newFakeClock()
	svc := NewService(backend, store.NewMemoryStore(), cfg, nil)
	svc.sessions.now = clock.Now
	for _, p := range []*Poller{svc.poller, svc.streamPoller} {
		p.now = clock.Now
		p.sleep = clock.Sleep
	}
	return svc, clock
}

// answered returns a log holding one prompt and its assistant reply.
func answered(completed bool, fragments ...domain.Fragment) []domain.Message {
	return []domain.Message{
		{ID: "msg_user", Role: domain.RoleUser, Fragments: []domain.Fragment{domain.Text("hi")}},
		{ID: "msg_assistant", Role: domain.RoleAssistant, Completed: completed, Fragments: fragments},
	}
}

func staticLog(msgs []domain.Message) func(int) []domain.Message {
	return func(int) []domain.Message { return msgs }
}

// afterPrompt serves an empty log until the backend accepted a prompt, then
// msgs. It runs under the fake's lock.
func afterPrompt(f *fakeBackend, msgs []domain.Message) func(int) []domain.Message {
	return func(int) []domain.Message {
		if len(f.prompts) == 0 {
			return nil
		}
		return msgs
	}
}

// turnLog serves one user/assistant pair per prompt received so far, each
// answered with reply.
func turnLog(f *fakeBackend, reply string) func(int) []domain.Message {
	return func(int) []domain.Message {
		var msgs []domain.Message
		for i, p := range f.prompts {
			msgs = append(msgs,
				domain.Message{ID: fmt.Sprintf("msg_user_%d", i+1), Role: domain.RoleUser, Fragments: []domain.Fragment{domain.Text(p.Message)}},
				domain.Message{ID: fmt.Sprintf("msg_assistant_%d", i+1), Role: domain.RoleAssistant, Completed: true, Fragments: []domain.Fragment{domain.Text(reply)}},
			)
		}
		return msgs
	}
}
