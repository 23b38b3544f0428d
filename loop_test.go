package quay

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestChatStreamsTextAndDone(t *testing.T) {
	p := &mockProvider{script: []mockResponse{textResponse("Hello", " world")}}
	a, store := newTestAgent(t, p)

	sub, err := a.Bus().Subscribe(context.Background(), ChannelProgress, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	result, err := a.Chat(context.Background(), []Message{UserMessage("hi")})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.StopReason != StopEndTurn {
		t.Fatalf("stop reason = %s, want %s", result.StopReason, StopEndTurn)
	}
	if result.Output != "Hello world" {
		t.Fatalf("output = %q", result.Output)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", result.Usage)
	}

	events := drainProgress(t, sub)
	var deltas []string
	var done *Event
	for i, ev := range events {
		switch ev.Type {
		case EventTextDelta:
			deltas = append(deltas, ev.Text)
		case EventDone:
			done = &events[i]
		}
	}
	if got := strings.Join(deltas, ""); got != "Hello world" {
		t.Fatalf("deltas = %q", got)
	}
	if done == nil || done.Reason != StopEndTurn {
		t.Fatalf("done event = %+v", done)
	}

	msgs, _ := store.LoadMessages(context.Background(), a.ID())
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[1].Role != RoleAssistant || msgs[1].Text() != "Hello world" {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
}

func TestChatDispatchesAllowedTool(t *testing.T) {
	p := &mockProvider{script: []mockResponse{
		toolResponse("call_1", "lookup", `{"q":"weather"}`),
		textResponse("Sunny."),
	}}
	reg := NewRegistry()
	if err := reg.Register(echoTool("lookup")); err != nil {
		t.Fatal(err)
	}
	a, store := newTestAgent(t, p, WithRegistry(reg))

	result, err := a.Chat(context.Background(), []Message{UserMessage("weather?")})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.StopReason != StopEndTurn || result.Output != "Sunny." {
		t.Fatalf("result = %+v", result)
	}
	if p.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", p.callCount())
	}

	// user, assistant(tool_use), user(tool_result), assistant(text)
	msgs, _ := store.LoadMessages(context.Background(), a.ID())
	if len(msgs) != 4 {
		t.Fatalf("persisted %d messages, want 4", len(msgs))
	}
	results := msgs[2].Content
	if len(results) != 1 || results[0].Type != BlockToolResult {
		t.Fatalf("tool result message = %+v", msgs[2])
	}
	if results[0].ToolUseID != "call_1" || results[0].IsError {
		t.Fatalf("tool result = %+v", results[0])
	}
	if results[0].Content != `{"q":"weather"}` {
		t.Fatalf("tool result content = %q", results[0].Content)
	}

	recs, _ := store.LoadToolCalls(context.Background(), a.ID())
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].State != ToolSealed || recs[0].IsError {
		t.Fatalf("record = %+v", recs[0])
	}
}

func TestChatRetriesTransientProviderErrors(t *testing.T) {
	p := &mockProvider{script: []mockResponse{
		errResponse(&ProviderError{Kind: ProviderRateLimited, Status: 429, Message: "slow down"}),
		errResponse(&ProviderError{Kind: ProviderRateLimited, Status: 429, Message: "slow down"}),
		textResponse("ok"),
	}}
	a, store := newTestAgent(t, p, WithRuntimeConfig(RuntimeConfig{
		Retry: RetryPolicy{MaxAttempts: 3, BaseMs: 1, CapMs: 2},
	}))

	result, err := a.Chat(context.Background(), []Message{UserMessage("hi")})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.StopReason != StopEndTurn || result.Output != "ok" {
		t.Fatalf("result = %+v", result)
	}
	if p.callCount() != 3 {
		t.Fatalf("provider calls = %d, want 3", p.callCount())
	}

	transients := 0
	events, _ := store.ReadEvents(context.Background(), a.ID(), ChannelMonitor, Bookmark{})
	for _, tl := range events {
		if tl.Event.Type == EventProviderTransient {
			transients++
		}
	}
	if transients != 2 {
		t.Fatalf("provider_transient events = %d, want 2", transients)
	}
}

func TestChatFatalProviderErrorFailsTurn(t *testing.T) {
	p := &mockProvider{script: []mockResponse{
		errResponse(&ProviderError{Kind: ProviderAuth, Status: 401, Message: "bad key"}),
	}}
	a, _ := newTestAgent(t, p)

	result, err := a.Chat(context.Background(), []Message{UserMessage("hi")})
	if err == nil {
		t.Fatal("expected error")
	}
	if result.StopReason != StopError {
		t.Fatalf("stop reason = %s, want %s", result.StopReason, StopError)
	}
	if p.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1 (auth errors are not retried)", p.callCount())
	}
}

func TestChatForcesSynthesisAtMaxIterations(t *testing.T) {
	p := &mockProvider{script: []mockResponse{
		toolResponse("c1", "lookup", `{}`),
		toolResponse("c2", "lookup", `{}`),
		textResponse("Here is what I found."),
	}}
	reg := NewRegistry()
	if err := reg.Register(echoTool("lookup")); err != nil {
		t.Fatal(err)
	}
	a, _ := newTestAgent(t, p, WithRegistry(reg), WithRuntimeConfig(RuntimeConfig{MaxIterations: 2}))

	result, err := a.Chat(context.Background(), []Message{UserMessage("dig deep")})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.StopReason != StopMaxIterations {
		t.Fatalf("stop reason = %s, want %s", result.StopReason, StopMaxIterations)
	}
	if result.Output != "Here is what I found." {
		t.Fatalf("output = %q", result.Output)
	}

	// The final call must carry the synthesis nudge as the last user message.
	p.mu.Lock()
	last := p.requests[len(p.requests)-1]
	p.mu.Unlock()
	final := last.Messages[len(last.Messages)-1]
	if final.Role != RoleUser || final.Text() != forcedSynthesisPrompt {
		t.Fatalf("final request message = %+v", final)
	}
}

// blockingProvider parks until its context is cancelled.
type blockingProvider struct {
	started chan struct{}
}

func (b *blockingProvider) Name() string { return "blocking" }

func (b *blockingProvider) Stream(ctx context.Context, _ ChatRequest, _ chan<- StreamChunk) error {
	close(b.started)
	<-ctx.Done()
	return &ProviderError{Kind: ProviderCancelled, Message: ctx.Err().Error()}
}

func TestInterruptCancelsTurn(t *testing.T) {
	p := &blockingProvider{started: make(chan struct{})}
	a, store := newTestAgent(t, p)

	type chatOut struct {
		result ChatResult
		err    error
	}
	out := make(chan chatOut, 1)
	go func() {
		r, err := a.Chat(context.Background(), []Message{UserMessage("hi")})
		out <- chatOut{r, err}
	}()

	<-p.started
	a.Interrupt(context.Background())

	select {
	case o := <-out:
		if o.err != nil {
			t.Fatalf("Chat after interrupt: %v", o.err)
		}
		if o.result.StopReason != StopCancelled {
			t.Fatalf("stop reason = %s, want %s", o.result.StopReason, StopCancelled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Chat did not return after Interrupt")
	}

	// The terminal Done(cancelled) event must be on the log.
	events, _ := store.ReadEvents(context.Background(), a.ID(), ChannelProgress, Bookmark{})
	var done *Event
	for i := range events {
		if events[i].Event.Type == EventDone {
			done = &events[i].Event
		}
	}
	if done == nil || done.Reason != StopCancelled {
		t.Fatalf("done event = %+v", done)
	}
}

func TestInterruptIdleAgentIsNoop(t *testing.T) {
	p := &mockProvider{script: []mockResponse{textResponse("ok")}}
	a, _ := newTestAgent(t, p)
	a.Interrupt(context.Background())
	if _, err := a.Chat(context.Background(), []Message{UserMessage("hi")}); err != nil {
		t.Fatalf("Chat after idle interrupt: %v", err)
	}
}

func TestRetryDelayHonorsRetryAfterFloor(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseMs: 100, CapMs: 1000}
	if d := retryDelay(p, 0, 3*time.Second); d != 3*time.Second {
		t.Fatalf("delay = %v, want Retry-After floor of 3s", d)
	}
	if d := retryDelay(p, 0, 0); d < 100*time.Millisecond || d > 150*time.Millisecond {
		t.Fatalf("delay = %v, want base plus jitter within [100ms,150ms]", d)
	}
	if d := retryDelay(p, 5, 0); d > 1500*time.Millisecond {
		t.Fatalf("delay = %v, want capped backoff", d)
	}
}
