package quay

import (
	"context"
	"encoding/json"
	"testing"
)

type denyHook struct{ message string }

func (h denyHook) PreToolUse(_ context.Context, _ ContentBlock, _ ToolContext) (HookDecision, error) {
	return HookDecision{Action: HookDeny, Message: h.message}, nil
}

type rewriteHook struct{ input string }

func (h rewriteHook) PreToolUse(_ context.Context, _ ContentBlock, _ ToolContext) (HookDecision, error) {
	return HookDecision{Action: HookRewriteInput, Input: json.RawMessage(h.input)}, nil
}

type recordingHook struct{ seen *int }

func (h recordingHook) PreToolUse(_ context.Context, _ ContentBlock, _ ToolContext) (HookDecision, error) {
	*h.seen++
	return Allow(), nil
}

type followUpHook struct{ text string }

func (h followUpHook) PostToolUse(_ context.Context, _ ContentBlock, out *ToolOutcome, _ ToolContext) error {
	out.FollowUp = h.text
	return nil
}

type reminderHook struct{ text string }

func (h reminderHook) PreModel(_ context.Context, msgs []Message) ([]Message, error) {
	return append(msgs, UserMessage(h.text)), nil
}

func TestHooksAddRejectsNonHooks(t *testing.T) {
	h := NewHooks()
	defer func() {
		if recover() == nil {
			t.Fatal("Add accepted a value implementing no hook stage")
		}
	}()
	h.Add(42)
}

func TestPreToolUseDenyShortCircuits(t *testing.T) {
	seen := 0
	h := NewHooks()
	h.Add(denyHook{message: "nope"})
	h.Add(recordingHook{seen: &seen})

	d, err := h.RunPreToolUse(context.Background(), ToolUseBlock("c1", "x", nil), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != HookDeny || d.Message != "nope" {
		t.Fatalf("decision = %+v", d)
	}
	if seen != 0 {
		t.Fatal("later hook consulted after deny")
	}
}

func TestPreToolUseRewriteContinuesDownPipeline(t *testing.T) {
	seen := 0
	h := NewHooks()
	h.Add(rewriteHook{input: `{"safe":true}`})
	h.Add(recordingHook{seen: &seen})

	d, err := h.RunPreToolUse(context.Background(), ToolUseBlock("c1", "x", json.RawMessage(`{}`)), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != HookRewriteInput || string(d.Input) != `{"safe":true}` {
		t.Fatalf("decision = %+v", d)
	}
	if seen != 1 {
		t.Fatal("pipeline stopped at rewrite")
	}

	// A later deny still wins over an earlier rewrite.
	h2 := NewHooks()
	h2.Add(rewriteHook{input: `{}`})
	h2.Add(denyHook{message: "no"})
	d, err = h2.RunPreToolUse(context.Background(), ToolUseBlock("c1", "x", nil), ToolContext{})
	if err != nil || d.Action != HookDeny {
		t.Fatalf("decision = %+v err = %v", d, err)
	}
}

func TestNilHooksAllowEverything(t *testing.T) {
	var h *Hooks
	d, err := h.RunPreToolUse(context.Background(), ToolUseBlock("c1", "x", nil), ToolContext{})
	if err != nil || d.Action != HookAllow {
		t.Fatalf("decision = %+v err = %v", d, err)
	}
	msgs, err := h.RunPreModel(context.Background(), []Message{UserMessage("hi")})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("msgs = %+v err = %v", msgs, err)
	}
}

func TestHookDenyBecomesDeniedResult(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	h := NewHooks()
	h.Add(denyHook{message: "blocked by policy hook"})
	p := &mockProvider{script: []mockResponse{
		toolResponse("c1", "echo", `{}`),
		textResponse("ok"),
	}}
	a, _ := newTestAgent(t, p, WithRegistry(reg), WithHooks(h))

	if _, err := a.Chat(context.Background(), []Message{UserMessage("hi")}); err != nil {
		t.Fatal(err)
	}
	msgs := a.Messages()
	result := msgs[2].Content[0]
	if !result.IsError || result.Content != "denied: blocked by policy hook" {
		t.Fatalf("result = %+v", result)
	}
}

func TestHookRewriteChangesToolInput(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	h := NewHooks()
	h.Add(rewriteHook{input: `{"redacted":true}`})
	p := &mockProvider{script: []mockResponse{
		toolResponse("c1", "echo", `{"secret":"hunter2"}`),
		textResponse("ok"),
	}}
	a, _ := newTestAgent(t, p, WithRegistry(reg), WithHooks(h))

	if _, err := a.Chat(context.Background(), []Message{UserMessage("hi")}); err != nil {
		t.Fatal(err)
	}
	result := a.Messages()[2].Content[0]
	if result.Content != `{"redacted":true}` {
		t.Fatalf("tool saw input %q", result.Content)
	}
}

func TestPostToolUseFollowUpAppended(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	h := NewHooks()
	h.Add(followUpHook{text: "remember to cite sources"})
	p := &mockProvider{script: []mockResponse{
		toolResponse("c1", "echo", `{}`),
		textResponse("ok"),
	}}
	a, _ := newTestAgent(t, p, WithRegistry(reg), WithHooks(h))

	if _, err := a.Chat(context.Background(), []Message{UserMessage("hi")}); err != nil {
		t.Fatal(err)
	}
	result := a.Messages()[2].Content[0]
	if result.Content != "{}\n\nremember to cite sources" {
		t.Fatalf("result = %q", result.Content)
	}
}

func TestPreModelHookInjectsMessage(t *testing.T) {
	h := NewHooks()
	h.Add(reminderHook{text: "stay terse"})
	p := &mockProvider{script: []mockResponse{textResponse("ok")}}
	a, _ := newTestAgent(t, p, WithHooks(h))

	if _, err := a.Chat(context.Background(), []Message{UserMessage("hi")}); err != nil {
		t.Fatal(err)
	}

	p.mu.Lock()
	req := p.requests[0]
	p.mu.Unlock()
	last := req.Messages[len(req.Messages)-1]
	if last.Text() != "stay terse" {
		t.Fatalf("request messages = %+v", req.Messages)
	}
	// The injection is per call, not persisted.
	if len(a.Messages()) != 2 {
		t.Fatalf("persisted = %+v", a.Messages())
	}
}
