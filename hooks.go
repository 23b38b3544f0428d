package quay

import (
	"context"
	"encoding/json"
	"fmt"
)

// HookAction is a PreToolUse verdict.
type HookAction string

const (
	HookAllow           HookAction = "allow"
	HookDeny            HookAction = "deny"
	HookRequireApproval HookAction = "require_approval"
	HookRewriteInput    HookAction = "rewrite_input"
)

// HookDecision is the result of one PreToolUse hook. The first non-Allow
// decision in the pipeline short-circuits; later hooks are not consulted.
// RewriteInput carries the replacement input and does not short-circuit.
type HookDecision struct {
	Action  HookAction
	Message string          // deny message shown to the model
	Input   json.RawMessage // replacement input for rewrite_input
}

// Allow is the neutral decision.
func Allow() HookDecision { return HookDecision{Action: HookAllow} }

// ToolOutcome is the mutable view of a finished tool call handed to
// PostToolUse hooks. Hooks may rewrite the content, flip error/success, or
// append a suggested follow-up for the model.
type ToolOutcome struct {
	CallID   string
	Name     string
	Content  string
	IsError  bool
	FollowUp string // appended to the tool result content when set
}

// PreModelHook runs before each provider call and may rewrite the outgoing
// message list (inject reminders, redact). Aside from explicitly
// side-effecting hooks, it should be a pure function of its input.
// Must be safe for concurrent use.
type PreModelHook interface {
	PreModel(ctx context.Context, messages []Message) ([]Message, error)
}

// PostModelHook runs after the provider responds and may rewrite the
// assistant message prior to persistence.
// Must be safe for concurrent use.
type PostModelHook interface {
	PostModel(ctx context.Context, response *Message) error
}

// PreToolUseHook gates one tool call before dispatch.
// Must be safe for concurrent use, and side-effect-safe under replay: any
// external state it mutates must be idempotent or monotonic-guarded.
type PreToolUseHook interface {
	PreToolUse(ctx context.Context, call ContentBlock, tc ToolContext) (HookDecision, error)
}

// PostToolUseHook may rewrite a tool outcome before it becomes a tool_result.
// Must be safe for concurrent use.
type PostToolUseHook interface {
	PostToolUse(ctx context.Context, call ContentBlock, outcome *ToolOutcome, tc ToolContext) error
}

// MessagesChangedHook is notified after the persisted message list changes.
// Notification only; implementations must not mutate the slice.
type MessagesChangedHook interface {
	MessagesChanged(ctx context.Context, messages []Message)
}

// Hooks holds an ordered list of hooks and runs them at each stage. Hooks are
// type-asserted per stage — a hook participates only in the stages whose
// interface it implements. A Hooks value is per agent; there is no global
// registry.
type Hooks struct {
	hooks []any
}

// NewHooks creates an empty pipeline.
func NewHooks() *Hooks {
	return &Hooks{}
}

// Add appends a hook. Panics if h implements none of the five stage
// interfaces.
func (h *Hooks) Add(hook any) {
	_, a := hook.(PreModelHook)
	_, b := hook.(PostModelHook)
	_, c := hook.(PreToolUseHook)
	_, d := hook.(PostToolUseHook)
	_, e := hook.(MessagesChangedHook)
	if !a && !b && !c && !d && !e {
		panic(fmt.Sprintf("quay: hook %T implements no hook stage", hook))
	}
	h.hooks = append(h.hooks, hook)
}

// RunPreModel runs PreModel hooks in declaration order, threading the message
// list through each. Stops at the first error.
func (h *Hooks) RunPreModel(ctx context.Context, messages []Message) ([]Message, error) {
	if h == nil {
		return messages, nil
	}
	for _, hook := range h.hooks {
		pre, ok := hook.(PreModelHook)
		if !ok {
			continue
		}
		var err error
		messages, err = pre.PreModel(ctx, messages)
		if err != nil {
			return nil, err
		}
	}
	return messages, nil
}

// RunPostModel runs PostModel hooks in declaration order.
func (h *Hooks) RunPostModel(ctx context.Context, response *Message) error {
	if h == nil {
		return nil
	}
	for _, hook := range h.hooks {
		if post, ok := hook.(PostModelHook); ok {
			if err := post.PostModel(ctx, response); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPreToolUse runs PreToolUse hooks in declaration order. The first
// non-Allow decision short-circuits and is returned. RewriteInput decisions
// update the call input and continue down the pipeline.
func (h *Hooks) RunPreToolUse(ctx context.Context, call ContentBlock, tc ToolContext) (HookDecision, error) {
	if h == nil {
		return Allow(), nil
	}
	current := call
	rewritten := false
	var rewrittenInput json.RawMessage
	for _, hook := range h.hooks {
		pre, ok := hook.(PreToolUseHook)
		if !ok {
			continue
		}
		d, err := pre.PreToolUse(ctx, current, tc)
		if err != nil {
			return HookDecision{}, err
		}
		switch d.Action {
		case HookAllow, "":
			continue
		case HookRewriteInput:
			current.Input = d.Input
			rewritten = true
			rewrittenInput = d.Input
		default:
			return d, nil
		}
	}
	if rewritten {
		return HookDecision{Action: HookRewriteInput, Input: rewrittenInput}, nil
	}
	return Allow(), nil
}

// RunPostToolUse runs PostToolUse hooks in declaration order against the
// shared outcome.
func (h *Hooks) RunPostToolUse(ctx context.Context, call ContentBlock, outcome *ToolOutcome, tc ToolContext) error {
	if h == nil {
		return nil
	}
	for _, hook := range h.hooks {
		if post, ok := hook.(PostToolUseHook); ok {
			if err := post.PostToolUse(ctx, call, outcome, tc); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunMessagesChanged notifies MessagesChanged hooks in declaration order.
func (h *Hooks) RunMessagesChanged(ctx context.Context, messages []Message) {
	if h == nil {
		return
	}
	for _, hook := range h.hooks {
		if n, ok := hook.(MessagesChangedHook); ok {
			n.MessagesChanged(ctx, messages)
		}
	}
}
