package agent

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/ashureev/agent-bridge/internal/domain"
)

func TestServiceAnswer(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.log = afterPrompt(backend, answered(false, domain.Text("Hello"), domain.Text(" there")))
	svc, _ := newTestService(backend, DefaultConfig())

	resp := svc.Answer(context.Background(), ChatRequest{Message: "hi", Model: "acme/fast"})
	if resp.Mode != ModeSession || resp.Response != "Hello there" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.SessionID != "ses_1" || resp.HasReasoning {
		t.Fatalf("unexpected response metadata: %+v", resp)
	}
	if len(backend.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(backend.prompts))
	}
	got := backend.prompts[0]
	if got.Message != "hi" || got.Model != (domain.ModelRef{ProviderID: "acme", ModelID: "fast"}) {
		t.Fatalf("backend observed %+v", got)
	}
	if backend.promptTargets[0] != "ses_1" {
		t.Fatalf("prompt sent to %s", backend.promptTargets[0])
	}
}

func TestServiceAnswerWithReasoning(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.log = afterPrompt(backend, answered(true, domain.Reasoning("plan"), domain.Text("4")))
	svc, _ := newTestService(backend, DefaultConfig())

	resp := svc.Answer(context.Background(), ChatRequest{Message: "2+2?"})
	if resp.Response != "4" || resp.Reasoning != "plan" || !resp.HasReasoning {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestServiceAnswerDegraded(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{createErr: errors.New("connection refused"), listErr: errors.New("connection refused")}
	svc, _ := newTestService(backend, DefaultConfig())

	first := svc.Answer(context.Background(), ChatRequest{Message: "hi"})
	second := svc.Answer(context.Background(), ChatRequest{Message: "hi"})
	if first.Mode != ModeFallback {
		t.Fatalf("expected fallback mode, got %+v", first)
	}
	if first.Response != second.Response || !strings.Contains(first.Response, `"hi"`) {
		t.Fatalf("fallback answer must be deterministic and quote the message: %q / %q", first.Response, second.Response)
	}
	if first.Error == "" {
		t.Fatal("expected the cause in the response")
	}
	if _, _, prompts, fetches := backend.counts(); prompts != 0 || fetches != 0 {
		t.Fatalf("degraded mode must not dispatch or poll, got %d prompts and %d fetches", prompts, fetches)
	}
}

func TestServiceAnswerTimeout(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.log = afterPrompt(backend, answered(false, domain.Reasoning("still going")))
	cfg := DefaultConfig()
	svc, clock := newTestService(backend, cfg)
	start := clock.Now()

	resp := svc.Answer(context.Background(), ChatRequest{Message: "hi"})
	if resp.Mode != ModeTimeout || resp.Response != timeoutAnswer {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if elapsed := clock.Now().Sub(start); elapsed > cfg.Poll.Deadline {
		t.Fatalf("timed out after %v, past the %v deadline", elapsed, cfg.Poll.Deadline)
	}
}

func TestServiceAnswerDispatchError(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{promptErr: errors.New("bad request")}
	svc, _ := newTestService(backend, DefaultConfig())

	resp := svc.Answer(context.Background(), ChatRequest{Message: "hi"})
	if resp.Mode != ModeError || resp.Response != dispatchFailAnswer {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, _, _, fetches := backend.counts(); fetches != 1 {
		t.Fatalf("failed dispatch must not poll beyond the baseline read, got %d fetches", fetches)
	}

	backend.mu.Lock()
	backend.promptErr = nil
	backend.log = turnLog(backend, "ok")
	backend.mu.Unlock()

	resp = svc.Answer(context.Background(), ChatRequest{Message: "hi"})
	if resp.SessionID != "ses_2" {
		t.Fatalf("expected a new session after the failed dispatch, got %q", resp.SessionID)
	}
}

func TestServiceAnswerEmptyMessage(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	svc, _ := newTestService(backend, DefaultConfig())

	resp := svc.Answer(context.Background(), ChatRequest{Message: "   "})
	if resp.Mode != ModeError {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if creates, _, prompts, _ := backend.counts(); creates != 0 || prompts != 0 {
		t.Fatal("an empty message must not touch the backend")
	}
}

func TestServiceAnswerIgnoresCancellation(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.log = afterPrompt(backend, answered(false, domain.Text("done anyway")))
	svc, _ := newTestService(backend, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := svc.Answer(ctx, ChatRequest{Message: "hi"})
	if resp.Mode != ModeSession || resp.Response != "done anyway" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func collect(seq func(func(Event) bool)) []Event {
	var events []Event
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func countDone(events []Event) int {
	n := 0
	for _, ev := range events {
		if ev.Type == EventDone {
			n++
		}
	}
	return n
}

func TestServiceStream(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.log = func(call int) []domain.Message {
		switch {
		case len(backend.prompts) == 0:
			return nil
		case call == 2:
			return answered(false, domain.Reasoning("thinking"))
		}
		return answered(true,
			domain.Reasoning("thinking"),
			domain.ToolCall("bash", nil),
			domain.ToolResult("a.txt"),
			domain.Text("Found a.txt"),
		)
	}
	svc, _ := newTestService(backend, DefaultConfig())

	events := collect(svc.Stream(context.Background(), ChatRequest{Message: "list files"}))
	want := []EventType{
		EventStatus, EventStatus, EventStatus,
		EventToolCall, EventToolResult, EventText,
		EventDone,
	}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[0].Content != statusConnected || events[1].Content != statusProcessing || events[2].Content != statusThinking {
		t.Fatalf("unexpected status events: %+v", events[:3])
	}
	if events[3].Name != "bash" || events[4].Output != "a.txt" || events[5].Content != "Found a.txt" {
		t.Fatalf("unexpected answer events: %+v", events[3:6])
	}
}

func TestServiceStreamTimeout(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{log: staticLog(nil)}
	cfg := DefaultConfig()
	svc, _ := newTestService(backend, cfg)

	events := collect(svc.Stream(context.Background(), ChatRequest{Message: "hi"}))
	if countDone(events) != 1 || events[len(events)-1].Type != EventDone {
		t.Fatalf("expected a single trailing done, got %v", eventTypes(events))
	}
	last := events[len(events)-2]
	if last.Type != EventText || last.Content != timeoutText {
		t.Fatalf("expected the timeout notice, got %+v", last)
	}
	// One baseline read before dispatch, then the attempt budget.
	if _, _, _, fetches := backend.counts(); fetches != cfg.StreamMaxAttempts+1 {
		t.Fatalf("expected %d fetches, got %d", cfg.StreamMaxAttempts+1, fetches)
	}
}

func TestServiceStreamDegraded(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{createErr: errors.New("connection refused")}
	svc, _ := newTestService(backend, DefaultConfig())

	events := collect(svc.Stream(context.Background(), ChatRequest{Message: "hi"}))
	want := []EventType{EventStatus, EventError, EventDone}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if !strings.HasPrefix(events[1].Content, "Agent backend unavailable") {
		t.Fatalf("unexpected error event: %+v", events[1])
	}
	if _, _, prompts, _ := backend.counts(); prompts != 0 {
		t.Fatal("degraded stream must not dispatch")
	}
}

func TestServiceStreamDispatchError(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{promptErr: errors.New("bad request")}
	svc, _ := newTestService(backend, DefaultConfig())

	events := collect(svc.Stream(context.Background(), ChatRequest{Message: "hi"}))
	want := []EventType{EventStatus, EventStatus, EventError, EventDone}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestServiceStreamConsumerStops(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{log: staticLog(nil)}
	svc, _ := newTestService(backend, DefaultConfig())

	var seen []Event
	for ev := range svc.Stream(context.Background(), ChatRequest{Message: "hi"}) {
		seen = append(seen, ev)
		if ev.Content == statusThinking {
			break
		}
	}
	_, _, _, fetches := backend.counts()
	if fetches != 2 {
		t.Fatalf("no fetch may follow the consumer leaving, got %d", fetches)
	}
	if countDone(seen) != 0 {
		t.Fatal("a stopped stream must not deliver done")
	}
}

func TestServiceResetSession(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	backend.log = turnLog(backend, "ok")
	svc, _ := newTestService(backend, DefaultConfig())

	first := svc.Answer(context.Background(), ChatRequest{Message: "hi"})
	id, err := svc.ResetSession(context.Background(), false)
	if err != nil || id != first.SessionID {
		t.Fatalf("ResetSession = %q, %v", id, err)
	}
	second := svc.Answer(context.Background(), ChatRequest{Message: "hi"})
	if second.SessionID == first.SessionID {
		t.Fatal("expected a new session after reset")
	}
}

func TestServiceAnswerSkipsPreviousTurn(t *testing.T) {
	t.Parallel()

	history := []domain.Message{
		{ID: "u1", Role: domain.RoleUser, Fragments: []domain.Fragment{domain.Text("first")}},
		{ID: "a1", Role: domain.RoleAssistant, Completed: true, Fragments: []domain.Fragment{domain.Text("answer to first")}},
	}
	backend := &fakeBackend{log: func(call int) []domain.Message {
		// The backend appends the new turn only after the first poll.
		if call <= 2 {
			return history
		}
		return append(history[:2:2],
			domain.Message{ID: "u2", Role: domain.RoleUser, Fragments: []domain.Fragment{domain.Text("second")}},
			domain.Message{ID: "a2", Role: domain.RoleAssistant, Fragments: []domain.Fragment{domain.Text("answer to second")}},
		)
	}}
	svc, _ := newTestService(backend, DefaultConfig())

	resp := svc.Answer(context.Background(), ChatRequest{Message: "second"})
	if resp.Mode != ModeSession || resp.Response != "answer to second" {
		t.Fatalf("expected the new answer, got %+v", resp)
	}
}

func TestServiceStreamStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{log: staticLog(nil)}
	svc, _ := newTestService(backend, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var seen []Event
	for ev := range svc.Stream(ctx, ChatRequest{Message: "hi"}) {
		seen = append(seen, ev)
		if ev.Content == statusThinking {
			cancel()
		}
	}
	want := []EventType{EventStatus, EventStatus, EventStatus}
	if got := eventTypes(seen); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}
