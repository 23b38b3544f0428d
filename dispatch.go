package quay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"
)

// dispatchOutcome reports why the dispatcher returned early, if it did.
type dispatchOutcome struct {
	cancelled bool
	awaiting  bool
}

// outcomeFlags is the concurrent form of dispatchOutcome shared by the
// per-call goroutines.
type outcomeFlags struct {
	cancelled atomic.Bool
	awaiting  atomic.Bool
	// fatal holds the first turn-fatal error seen by any call, such as a
	// failed Progress or Control publish.
	fatal atomic.Pointer[error]
}

func (f *outcomeFlags) setFatal(err error) {
	f.fatal.CompareAndSwap(nil, &err)
}

// permissionVerdict is the dispatcher's ruling on one tool call.
type permissionVerdict int

const (
	verdictAllow permissionVerdict = iota
	verdictApproval
	verdictDeny
)

// classify rules on one tool call. Precedence: deny list, then allow-list
// exclusivity (a configured allow list denies every tool outside it), then
// the approval triggers, then the readonly gate. Allow-listed tools skip the
// approval triggers but not readonly. An explicit require-approval entry
// routes through the gate even in readonly mode; the descriptor attribute
// does not override readonly.
func (a *Agent) classify(name string, attrs ToolAttributes) (permissionVerdict, string) {
	if slices.Contains(a.cfg.DenyTools, name) {
		return verdictDeny, "denied by policy"
	}
	if len(a.cfg.AllowTools) > 0 && !slices.Contains(a.cfg.AllowTools, name) {
		return verdictDeny, "tool not permitted"
	}
	readonly := a.cfg.PermissionMode == PermissionReadonly
	if slices.Contains(a.cfg.AllowTools, name) {
		if readonly && !attrs.ReadOnly {
			return verdictDeny, "tool is not read-only"
		}
		return verdictAllow, ""
	}
	if slices.Contains(a.cfg.RequireApprovalTools, name) ||
		a.cfg.PermissionMode == PermissionApproval ||
		(attrs.RequiresApproval && !readonly) {
		return verdictApproval, ""
	}
	if readonly && !attrs.ReadOnly {
		return verdictDeny, "tool is not read-only"
	}
	return verdictAllow, ""
}

// dispatchTools executes one batch of tool uses and returns exactly one
// tool_result block per use, in use order. Records move through their state
// grammar and are persisted at every externally observable transition.
//
// Calls run concurrently under the configured bound; tools declared not
// concurrency-safe additionally serialize among themselves. A cancelled or
// approval-expired batch still yields a result block for every use.
func (a *Agent) dispatchTools(ctx context.Context, uses []ContentBlock, co chatOptions) ([]ContentBlock, dispatchOutcome, error) {
	// Record ids are message tool_use ids; a repeat would corrupt the
	// record/message correspondence.
	a.mu.Lock()
	seen := make(map[string]bool, len(a.records))
	for _, r := range a.records {
		seen[r.ID] = true
	}
	for _, u := range uses {
		if seen[u.ID] {
			a.mu.Unlock()
			return nil, dispatchOutcome{}, Invariantf("duplicate tool call id %s", u.ID)
		}
		seen[u.ID] = true
		a.records = append(a.records, *NewToolCallRecord(u.ID, u.Name, u.Input))
	}
	a.mu.Unlock()
	if err := a.persistRecords(ctx); err != nil {
		return nil, dispatchOutcome{}, err
	}

	sem := semaphore.NewWeighted(int64(a.cfg.Concurrency))
	results := make([]ContentBlock, len(uses))
	var flags outcomeFlags
	done := make(chan int, len(uses))

	for i, use := range uses {
		go func(i int, use ContentBlock) {
			defer func() { done <- i }()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = ToolResultBlock(use.ID, "error: cancelled", true)
				a.sealAfterCancel(use.ID)
				flags.cancelled.Store(true)
				return
			}
			defer sem.Release(1)
			results[i] = a.runToolCall(ctx, use, co, &flags)
		}(i, use)
	}
	for range uses {
		<-done
	}

	if err := a.persistRecords(context.WithoutCancel(ctx)); err != nil {
		return nil, dispatchOutcome{}, err
	}
	// A failed Progress or Control publish is fatal for the turn; the bus
	// contract never drops those channels.
	if errp := flags.fatal.Load(); errp != nil {
		return nil, dispatchOutcome{}, *errp
	}
	outcome := dispatchOutcome{cancelled: flags.cancelled.Load(), awaiting: flags.awaiting.Load()}
	if outcome.cancelled {
		outcome.awaiting = false
	}
	return results, outcome, nil
}

// runToolCall takes one call from Pending to its terminal state and returns
// its tool_result block.
func (a *Agent) runToolCall(ctx context.Context, use ContentBlock, co chatOptions, flags *outcomeFlags) ContentBlock {
	tc := ToolContext{AgentID: a.id, CallID: use.ID, Sandbox: a.sandbox, Logger: a.logger}

	desc, err := a.registry.Get(use.Name)
	if err != nil {
		a.failRecord(ctx, use.ID, "unknown tool")
		a.publishMonitor(ctx, Event{Type: EventToolError, CallID: use.ID, Name: use.Name, Error: "unknown tool"})
		return ToolResultBlock(use.ID, fmt.Sprintf("error: unknown tool %q", use.Name), true)
	}

	verdict, reason := a.classify(use.Name, desc.Attributes)
	if verdict != verdictDeny {
		decision, err := a.hooks.RunPreToolUse(ctx, use, tc)
		if err != nil {
			a.failRecord(ctx, use.ID, "pre-tool hook: "+err.Error())
			return ToolResultBlock(use.ID, "error: "+err.Error(), true)
		}
		switch decision.Action {
		case HookDeny:
			verdict, reason = verdictDeny, decision.Message
			if reason == "" {
				reason = "denied by hook"
			}
		case HookRequireApproval:
			verdict = verdictApproval
		case HookRewriteInput:
			use.Input = decision.Input
			a.rewriteRecordInput(use.ID, decision.Input)
		}
	}

	viaApproval := false
	switch verdict {
	case verdictDeny:
		a.denyRecord(ctx, use.ID, "", "policy", reason)
		return ToolResultBlock(use.ID, "denied: "+reason, true)
	case verdictApproval:
		// awaitApproval publishes the ToolStart for gated calls.
		approved, block := a.awaitApproval(ctx, use, co, flags)
		if !approved {
			return block
		}
		viaApproval = true
	}

	if err := a.transitionRecord(ctx, use.ID, ToolRunning, ""); err != nil {
		return ToolResultBlock(use.ID, "error: "+err.Error(), true)
	}
	if !viaApproval {
		if err := a.publishProgressEvent(ctx, Event{
			Type: EventToolStart, CallID: use.ID, Name: use.Name,
			InputPreview: preview(string(use.Input), 200),
		}); err != nil {
			flags.setFatal(err)
			a.failRecord(context.WithoutCancel(ctx), use.ID, "event publish failed")
			return ToolResultBlock(use.ID, "error: "+err.Error(), true)
		}
	}

	if err := a.registry.Validate(use.Name, use.Input); err != nil {
		a.completeRecord(ctx, use.ID, "", err.Error(), true)
		a.publishMonitor(ctx, Event{Type: EventToolError, CallID: use.ID, Name: use.Name, Error: err.Error()})
		return ToolResultBlock(use.ID, "error: "+err.Error(), true)
	}

	content, invokeErr := a.invoke(ctx, desc, use, tc)
	if invokeErr != nil && errors.Is(context.Cause(ctx), errInterrupted) {
		a.completeRecord(context.WithoutCancel(ctx), use.ID, "", "cancelled", true)
		flags.cancelled.Store(true)
		return ToolResultBlock(use.ID, "error: cancelled", true)
	}

	out := ToolOutcome{CallID: use.ID, Name: use.Name, Content: content, IsError: invokeErr != nil}
	if invokeErr != nil {
		out.Content = invokeErr.Error()
	}
	if err := a.hooks.RunPostToolUse(ctx, use, &out, tc); err != nil {
		a.logger.Warn("post-tool hook failed", "tool", use.Name, "error", err)
	}
	if out.FollowUp != "" {
		out.Content += "\n\n" + out.FollowUp
	}
	out.Content = a.truncateResult(ctx, use, out.Content)

	if out.IsError {
		a.completeRecord(ctx, use.ID, "", out.Content, true)
		a.publishMonitor(ctx, Event{Type: EventToolError, CallID: use.ID, Name: use.Name, Error: out.Content})
	} else {
		a.completeRecord(ctx, use.ID, out.Content, "", false)
	}
	if err := a.publishProgressEvent(ctx, Event{Type: EventToolEnd, CallID: use.ID, Name: use.Name, Success: !out.IsError}); err != nil {
		flags.setFatal(err)
	}
	if out.IsError {
		return ToolResultBlock(use.ID, "error: "+out.Content, true)
	}
	return ToolResultBlock(use.ID, out.Content, false)
}

// awaitApproval suspends one call on the approval gate. Returns approved=true
// to proceed; otherwise the terminal result block for the call.
func (a *Agent) awaitApproval(ctx context.Context, use ContentBlock, co chatOptions, flags *outcomeFlags) (bool, ContentBlock) {
	latch := a.gate.require(use.ID)
	defer a.gate.release(use.ID)

	a.mu.Lock()
	if r := a.findRecord(use.ID); r != nil {
		r.Approval.Required = true
		r.Approval.ApprovalID = latch.approvalID
	}
	a.mu.Unlock()
	if err := a.transitionRecord(ctx, use.ID, ToolApprovalRequired, ""); err != nil {
		return false, ToolResultBlock(use.ID, "error: "+err.Error(), true)
	}
	// ToolStart precedes the approval request; clients correlate the two by
	// approvalId.
	if err := a.publishProgressEvent(ctx, Event{
		Type: EventToolStart, CallID: use.ID, Name: use.Name,
		ApprovalID: latch.approvalID, InputPreview: preview(string(use.Input), 200),
	}); err != nil {
		flags.setFatal(err)
		a.denyRecord(context.WithoutCancel(ctx), use.ID, "", "", "event publish failed")
		return false, ToolResultBlock(use.ID, "error: "+err.Error(), true)
	}
	if err := a.publishControl(ctx, Event{
		Type: EventPermissionRequired, CallID: use.ID, Name: use.Name,
		ApprovalID: latch.approvalID, InputPreview: preview(string(use.Input), 200),
	}); err != nil {
		flags.setFatal(err)
		a.denyRecord(context.WithoutCancel(ctx), use.ID, "", "", "event publish failed")
		return false, ToolResultBlock(use.ID, "error: "+err.Error(), true)
	}

	waitCtx := ctx
	if co.approvalWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, co.approvalWait)
		defer cancel()
	}
	decision, err := latch.wait(waitCtx)
	if err != nil {
		bg := context.WithoutCancel(ctx)
		if errors.Is(context.Cause(ctx), errInterrupted) {
			flags.cancelled.Store(true)
			a.denyRecord(bg, use.ID, "", "", "cancelled")
			return false, ToolResultBlock(use.ID, "error: cancelled", true)
		}
		// Deadline elapsed while suspended: the turn parks as awaiting
		// approval and the call is denied so its record reaches a terminal
		// state. A later decision through the gate is a no-op.
		flags.awaiting.Store(true)
		a.gate.decide(use.ID, ApprovalDecision{Approved: false, Note: "approval window elapsed"})
		a.denyRecord(bg, use.ID, "", "", "approval window elapsed")
		if err := a.publishControl(bg, Event{Type: EventPermissionDecided, CallID: use.ID, ApprovalID: latch.approvalID, Approved: false, Note: "approval window elapsed"}); err != nil {
			flags.setFatal(err)
		}
		return false, ToolResultBlock(use.ID, "error: approval window elapsed", true)
	}

	// The decision is announced even when the turn is being cancelled.
	if err := a.publishControl(context.WithoutCancel(ctx), Event{
		Type: EventPermissionDecided, CallID: use.ID, ApprovalID: latch.approvalID,
		Approved: decision.Approved, Note: decision.Note,
	}); err != nil {
		flags.setFatal(err)
		a.denyRecord(context.WithoutCancel(ctx), use.ID, decision.DecidedBy, decision.Note, "event publish failed")
		return false, ToolResultBlock(use.ID, "error: "+err.Error(), true)
	}
	if !decision.Approved {
		a.denyRecord(ctx, use.ID, decision.DecidedBy, decision.Note, denialReason(decision.Note))
		if decision.Note == "cancelled" {
			flags.cancelled.Store(true)
		}
		return false, ToolResultBlock(use.ID, "denied: "+denialReason(decision.Note), true)
	}

	a.mu.Lock()
	if r := a.findRecord(use.ID); r != nil {
		r.Approval.DecidedBy = decision.DecidedBy
		r.Approval.DecidedAt = decision.DecidedAt
		r.Approval.Note = decision.Note
	}
	a.mu.Unlock()
	if err := a.transitionRecord(ctx, use.ID, ToolApproved, decision.Note); err != nil {
		return false, ToolResultBlock(use.ID, "error: "+err.Error(), true)
	}
	return true, ContentBlock{}
}

func denialReason(note string) string {
	if note == "" {
		return "denied"
	}
	return note
}

// invoke runs the tool with its timeout, serialization, and panic recovery.
func (a *Agent) invoke(ctx context.Context, desc ToolDescriptor, use ContentBlock, tc ToolContext) (content string, err error) {
	if !desc.Attributes.ConcurrencySafe {
		a.serialMu.Lock()
		defer a.serialMu.Unlock()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.ToolTimeoutMs)*time.Millisecond)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("tool panicked", "tool", use.Name, "panic", r, "stack", string(debug.Stack()))
			content, err = "", fmt.Errorf("tool %s panicked: %v", use.Name, r)
		}
	}()
	return desc.Invoke(ctx, use.Input, tc)
}

// truncateResult bounds a tool result before it enters the conversation,
// preserving the full content as a recovered file.
func (a *Agent) truncateResult(ctx context.Context, use ContentBlock, content string) string {
	if utf8.RuneCountInString(content) <= maxToolResultLen {
		return content
	}
	name := fmt.Sprintf("%s-%s.txt", use.Name, use.ID)
	rf := RecoveredFile{Name: name, Timestamp: NowMillis(), Content: content}
	if err := a.store.SaveRecoveredFile(context.WithoutCancel(ctx), a.id, rf); err != nil {
		a.logger.Warn("save recovered file failed", "name", name, "error", err)
		a.publishMonitor(ctx, Event{Type: EventStoreDegraded, Error: err.Error(), Note: "recovered file"})
	}
	runes := []rune(content)
	return string(runes[:maxToolResultLen]) +
		fmt.Sprintf("\n\n[truncated: full output saved as %s]", name)
}

// --- record helpers ---

// findRecord returns the live record for id. Caller holds a.mu.
func (a *Agent) findRecord(id string) *ToolCallRecord {
	for i := range a.records {
		if a.records[i].ID == id {
			return &a.records[i]
		}
	}
	return nil
}

func (a *Agent) rewriteRecordInput(id string, input []byte) {
	a.mu.Lock()
	if r := a.findRecord(id); r != nil {
		r.Input = input
		r.UpdatedAt = NowMillis()
	}
	a.mu.Unlock()
}

// transitionRecord applies one grammar transition and persists.
func (a *Agent) transitionRecord(ctx context.Context, id string, to ToolState, note string) error {
	a.mu.Lock()
	r := a.findRecord(id)
	if r == nil {
		a.mu.Unlock()
		return Invariantf("tool call %s: no record", id)
	}
	err := r.Transition(to, note)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.persistRecords(ctx)
}

// completeRecord finishes a running call and seals it.
func (a *Agent) completeRecord(ctx context.Context, id, result, errText string, isError bool) {
	a.mu.Lock()
	r := a.findRecord(id)
	if r != nil {
		to := ToolCompleted
		if isError {
			to = ToolFailed
			r.Error = errText
			r.IsError = true
		} else {
			r.Result = result
		}
		if err := r.Transition(to, ""); err != nil {
			a.logger.Warn("record transition rejected", "call", id, "error", err)
		} else if err := r.Seal(); err != nil {
			a.logger.Warn("record seal rejected", "call", id, "error", err)
		}
	}
	a.mu.Unlock()
	if err := a.persistRecords(ctx); err != nil {
		a.logger.Warn("persist records failed", "error", err)
	}
}

// failRecord terminates a call that never ran (unknown tool, hook error).
func (a *Agent) failRecord(ctx context.Context, id, errText string) {
	a.mu.Lock()
	if r := a.findRecord(id); r != nil {
		_ = r.Transition(ToolRunning, "")
		r.Error = errText
		r.IsError = true
		if err := r.Transition(ToolFailed, errText); err == nil {
			_ = r.Seal()
		}
	}
	a.mu.Unlock()
	if err := a.persistRecords(ctx); err != nil {
		a.logger.Warn("persist records failed", "error", err)
	}
}

// denyRecord moves a call to Denied (from Pending or ApprovalRequired) and
// seals it.
func (a *Agent) denyRecord(ctx context.Context, id, decidedBy, note, reason string) {
	a.mu.Lock()
	if r := a.findRecord(id); r != nil {
		if decidedBy != "" || note != "" {
			r.Approval.DecidedBy = decidedBy
			r.Approval.Note = note
			r.Approval.DecidedAt = NowMillis()
		}
		r.Error = reason
		r.IsError = true
		if err := r.Transition(ToolDenied, reason); err == nil {
			_ = r.Seal()
		} else {
			a.logger.Warn("record transition rejected", "call", id, "error", err)
		}
	}
	a.mu.Unlock()
	if err := a.persistRecords(ctx); err != nil {
		a.logger.Warn("persist records failed", "error", err)
	}
}

// sealAfterCancel terminates a record whose call was cancelled before it
// could start.
func (a *Agent) sealAfterCancel(id string) {
	a.mu.Lock()
	if r := a.findRecord(id); r != nil && !r.Terminal() {
		r.Error = "cancelled"
		r.IsError = true
		if r.State == ToolPending {
			if err := r.Transition(ToolDenied, "cancelled"); err == nil {
				_ = r.Seal()
			}
		}
	}
	a.mu.Unlock()
}

// publishProgressEvent publishes on Progress during dispatch. Progress is
// never dropped; the caller treats a failed publish as fatal for the turn.
func (a *Agent) publishProgressEvent(ctx context.Context, ev Event) error {
	if _, err := a.bus.Publish(ctx, ChannelProgress, ev); err != nil {
		return fmt.Errorf("dispatch: publish %s: %w", ev.Type, err)
	}
	return nil
}

// preview bounds a string for event payloads.
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
