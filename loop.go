package quay

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// maxToolResultLen is the maximum rune length for a tool result entering the
// conversation history. Longer results are truncated with a marker and the
// full content is preserved as a recovered file. Events carry the untruncated
// content; they are transient.
const maxToolResultLen = 100_000

// forcedSynthesisPrompt is appended when the iteration budget runs out, so
// the model closes the turn instead of requesting more tools.
const forcedSynthesisPrompt = "You have used all available tool calls. Summarize what you found and respond to the user."

// runTurns drives model-stream-then-maybe-tools iterations until a terminal
// stop condition.
func (a *Agent) runTurns(ctx context.Context, co chatOptions) (ChatResult, error) {
	var result ChatResult

	for i := 0; i < a.cfg.MaxIterations; i++ {
		assistant, cause, usage, err := a.runModelOnce(ctx, nil)
		result.Usage.Add(usage)
		if err != nil {
			return a.classifyTurnError(ctx, result, err)
		}

		if err := a.hooks.RunPostModel(ctx, &assistant); err != nil {
			return a.failTurn(ctx, result, fmt.Errorf("post-model hook: %w", err))
		}

		a.mu.Lock()
		a.messages = append(a.messages, assistant)
		a.mu.Unlock()
		if err := a.persistMessages(ctx); err != nil {
			return a.failTurn(ctx, result, err)
		}
		if out := assistant.Text(); out != "" {
			result.Output = out
		}

		uses := assistant.ToolUses()
		if cause != StopCauseToolUse || len(uses) == 0 {
			result.StopReason = StopEndTurn
			return result, nil
		}

		results, outcome, err := a.dispatchTools(ctx, uses, co)
		if err != nil {
			return a.failTurn(ctx, result, err)
		}
		a.mu.Lock()
		a.messages = append(a.messages, ToolResultMessage(results...))
		a.mu.Unlock()
		if err := a.persistMessages(context.WithoutCancel(ctx)); err != nil {
			return a.failTurn(ctx, result, err)
		}

		if outcome.cancelled {
			result.StopReason = StopCancelled
			return result, nil
		}
		if outcome.awaiting {
			result.StopReason = StopAwaitingApproval
			return result, nil
		}

		a.maybeCompress(ctx)
	}

	// Iteration budget exhausted: force one final synthesis call.
	a.logger.Warn("max iterations reached, forcing synthesis", "iterations", a.cfg.MaxIterations)
	a.mu.Lock()
	a.messages = append(a.messages, UserMessage(forcedSynthesisPrompt))
	a.mu.Unlock()
	if err := a.persistMessages(ctx); err != nil {
		return a.failTurn(ctx, result, err)
	}

	assistant, _, usage, err := a.runModelOnce(ctx, nil)
	result.Usage.Add(usage)
	if err != nil {
		return a.classifyTurnError(ctx, result, err)
	}
	a.mu.Lock()
	a.messages = append(a.messages, assistant)
	a.mu.Unlock()
	if err := a.persistMessages(ctx); err != nil {
		return a.failTurn(ctx, result, err)
	}
	if out := assistant.Text(); out != "" {
		result.Output = out
	}
	result.StopReason = StopMaxIterations
	return result, nil
}

// failTurn reports a fatal turn error on Monitor and ends with StopError.
// Message state for the failed step stays as already persisted; the last
// assistant message, if any, is preserved.
func (a *Agent) failTurn(ctx context.Context, result ChatResult, err error) (ChatResult, error) {
	var inv *InvariantError
	if errors.As(err, &inv) {
		a.logger.Error("invariant violation", "error", err)
	}
	a.publishMonitor(context.WithoutCancel(ctx), Event{Type: EventModelError, Error: err.Error()})
	result.StopReason = StopError
	return result, err
}

// classifyTurnError maps a model-stream failure to a stop reason per the
// error taxonomy: cancellation is cooperative (nil error), everything else
// fails the turn.
func (a *Agent) classifyTurnError(ctx context.Context, result ChatResult, err error) (ChatResult, error) {
	var pe *ProviderError
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &pe) && pe.Kind == ProviderCancelled) {
		result.StopReason = StopCancelled
		return result, nil
	}
	return a.failTurn(ctx, result, err)
}

// runModelOnce streams one provider call into an assistant message, emitting
// text deltas on Progress live and retrying transient provider errors with
// bounded exponential backoff — but only while nothing has been emitted yet,
// so clients never see duplicated deltas.
//
// extra, when non-nil, replaces the persisted conversation and makes the
// call quiet: no tools offered, no deltas published. Context compression uses
// this for its summarisation call.
func (a *Agent) runModelOnce(ctx context.Context, extra []Message) (Message, StopCause, Usage, error) {
	a.mu.Lock()
	turn := a.turnCount
	msgs := make([]Message, len(a.messages))
	copy(msgs, a.messages)
	a.mu.Unlock()
	quiet := extra != nil
	if quiet {
		msgs = extra
	}

	msgs, err := a.hooks.RunPreModel(ctx, msgs)
	if err != nil {
		return Message{}, "", Usage{}, fmt.Errorf("pre-model hook: %w", err)
	}

	req := ChatRequest{
		Model:     a.info.Model,
		System:    a.systemPrompt(),
		Messages:  NormalizeMessages(msgs),
		MaxTokens: a.cfg.MaxTokens,
	}
	if !quiet {
		req.Tools = a.registry.Schemas()
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.Retry.MaxAttempts; attempt++ {
		msg, cause, usage, emitted, err := a.streamOnce(ctx, req, turn, quiet)
		if err == nil {
			return msg, cause, usage, nil
		}
		lastErr = err

		var pe *ProviderError
		transient := errors.As(err, &pe) && pe.Transient()
		if !transient || emitted || ctx.Err() != nil {
			return Message{}, "", usage, err
		}

		a.publishMonitor(ctx, Event{Type: EventProviderTransient, Error: err.Error(),
			Note: fmt.Sprintf("attempt %d/%d", attempt+1, a.cfg.Retry.MaxAttempts)})
		if attempt == a.cfg.Retry.MaxAttempts-1 {
			break
		}
		delay := retryDelay(a.cfg.Retry, attempt, pe.RetryAfter)
		a.logger.Warn("retrying transient provider error",
			"provider", a.provider.Name(), "attempt", attempt+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Message{}, "", Usage{}, ctx.Err()
		case <-timer.C:
		}
	}
	a.logger.Error("provider retries exhausted", "attempts", a.cfg.Retry.MaxAttempts, "error", lastErr)
	return Message{}, "", Usage{}, lastErr
}

// retryDelay computes backoff for attempt i: base·2ⁱ capped, plus up to 50%
// jitter, with the server's Retry-After as a floor.
func retryDelay(p RetryPolicy, i int, retryAfter time.Duration) time.Duration {
	base := time.Duration(p.BaseMs) * time.Millisecond
	cap := time.Duration(p.CapMs) * time.Millisecond
	backoff := base * (1 << i)
	if backoff > cap {
		backoff = cap
	}
	backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	if retryAfter > backoff {
		return retryAfter
	}
	return backoff
}

// streamAccumulator folds provider chunks into an assistant message.
type streamAccumulator struct {
	text     strings.Builder
	thinking strings.Builder
	order    []string                   // tool-use ids in arrival order
	names    map[string]string          // id → tool name
	inputs   map[string]*strings.Builder // id → assembled JSON fragments
	final    map[string][]byte          // id → complete input, when provided
	cause    StopCause
	usage    Usage
	synth    int // counter for synthesized ids
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{
		names:  make(map[string]string),
		inputs: make(map[string]*strings.Builder),
		final:  make(map[string][]byte),
	}
}

// message assembles the final assistant message: thinking, text, then tool
// uses in arrival order.
func (acc *streamAccumulator) message() Message {
	var content []ContentBlock
	if acc.thinking.Len() > 0 {
		content = append(content, ThinkingBlock(acc.thinking.String()))
	}
	if acc.text.Len() > 0 {
		content = append(content, TextBlock(acc.text.String()))
	}
	for _, id := range acc.order {
		input := acc.final[id]
		if input == nil {
			if b := acc.inputs[id]; b != nil && b.Len() > 0 {
				input = []byte(b.String())
			} else {
				input = []byte(`{}`)
			}
		}
		content = append(content, ToolUseBlock(id, acc.names[id], input))
	}
	if len(content) == 0 {
		content = append(content, TextBlock(""))
	}
	return Message{Role: RoleAssistant, Content: content}
}

// streamOnce performs a single provider stream. emitted reports whether any
// event reached the Progress channel, which disables retry. quiet suppresses
// delta events entirely.
func (a *Agent) streamOnce(ctx context.Context, req ChatRequest, turn int, quiet bool) (Message, StopCause, Usage, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan StreamChunk, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- a.provider.Stream(ctx, req, ch)
		close(ch)
	}()

	acc := newStreamAccumulator()
	emitted := false
	for chunk := range ch {
		switch chunk.Type {
		case ChunkTextDelta:
			acc.text.WriteString(chunk.Text)
			if quiet {
				continue
			}
			if _, err := a.bus.Publish(ctx, ChannelProgress, Event{Type: EventTextDelta, Text: chunk.Text}); err != nil {
				cancel()
				for range ch {
				}
				<-errc
				return Message{}, "", acc.usage, emitted, err
			}
			emitted = true
		case ChunkThinkingDelta:
			acc.thinking.WriteString(chunk.Text)
			if !quiet {
				a.publishMonitor(ctx, Event{Type: EventThinkingDelta, Text: chunk.Text})
			}
		case ChunkToolUseStart:
			id := chunk.ID
			if id == "" {
				// Provider elided the id; synthesize one deterministic
				// within the stream and unique within the conversation.
				id = fmt.Sprintf("toolu_t%d_%d", turn, acc.synth)
				acc.synth++
			}
			acc.order = append(acc.order, id)
			acc.names[id] = chunk.Name
			acc.inputs[id] = &strings.Builder{}
		case ChunkToolInputDelta:
			if b := acc.inputs[a.resolveChunkID(acc, chunk.ID)]; b != nil {
				b.WriteString(chunk.JSONFragment)
			}
		case ChunkToolUseComplete:
			id := a.resolveChunkID(acc, chunk.ID)
			if len(chunk.Input) > 0 {
				acc.final[id] = chunk.Input
			}
		case ChunkMessageStop:
			acc.cause = chunk.Reason
			if chunk.Usage != nil {
				acc.usage = *chunk.Usage
			}
		}
	}
	if err := <-errc; err != nil {
		return Message{}, "", acc.usage, emitted, err
	}
	if acc.cause == "" {
		acc.cause = StopCauseEndTurn
	}
	return acc.message(), acc.cause, acc.usage, emitted, nil
}

// resolveChunkID maps an input-delta chunk to its tool use. Providers that
// elide ids correlate by the most recent tool_use_start.
func (a *Agent) resolveChunkID(acc *streamAccumulator, id string) string {
	if id != "" {
		return id
	}
	if len(acc.order) == 0 {
		return ""
	}
	return acc.order[len(acc.order)-1]
}
