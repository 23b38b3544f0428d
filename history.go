package quay

import (
	"context"
	"unicode/utf8"
)

// compressKeepMessages is the tail of the conversation never touched by a
// compression pass.
const compressKeepMessages = 10

const compactedMarker = "[compacted: see conversation summary above]"

const summaryPrompt = "Summarize the following tool outputs from an earlier part of this conversation. " +
	"Keep concrete facts, file paths, identifiers, and decisions. Be concise.\n\n"

// conversationRunes measures the live context size of a message list.
func conversationRunes(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		for _, b := range m.Content {
			n += utf8.RuneCountInString(b.Text)
			n += utf8.RuneCountInString(b.Content)
			n += len(b.Input)
		}
	}
	return n
}

// maybeCompress runs a compression pass when the conversation has outgrown
// the configured threshold. Compression is best-effort: a failed pass leaves
// the conversation untouched.
func (a *Agent) maybeCompress(ctx context.Context) {
	if a.cfg.CompressThreshold < 0 {
		return
	}
	a.mu.Lock()
	size := conversationRunes(a.messages)
	count := len(a.messages)
	a.mu.Unlock()
	if size <= a.cfg.CompressThreshold || count <= compressKeepMessages {
		return
	}
	if err := a.compress(ctx, size); err != nil {
		a.logger.Warn("context compression failed", "error", err)
	}
}

// compress replaces old tool results with a model-written summary. The
// original conversation is preserved as a history window before anything is
// rewritten, so no content is ever lost.
//
// Only tool_result content in the compacted prefix is touched; the message
// skeleton stays intact, keeping every tool_use paired with its result.
func (a *Agent) compress(ctx context.Context, beforeRunes int) error {
	a.mu.Lock()
	msgs := make([]Message, len(a.messages))
	copy(msgs, a.messages)
	a.mu.Unlock()

	// The summary is inserted at the boundary; it must not land between a
	// tool_use and its result.
	boundary := len(msgs) - compressKeepMessages
	for boundary < len(msgs) && hasToolResult(msgs[boundary]) {
		boundary++
	}
	if boundary <= 0 || boundary >= len(msgs) {
		return nil
	}

	var collected string
	compacted := 0
	prefix := make([]Message, boundary)
	for i := 0; i < boundary; i++ {
		m := msgs[i]
		blocks := make([]ContentBlock, len(m.Content))
		copy(blocks, m.Content)
		for j := range blocks {
			if blocks[j].Type == BlockToolResult && blocks[j].Content != compactedMarker {
				collected += blocks[j].Content + "\n\n"
				blocks[j].Content = compactedMarker
				compacted++
			}
		}
		prefix[i] = Message{Role: m.Role, Content: blocks}
	}
	if compacted == 0 {
		return nil
	}

	summaryMsg, _, _, err := a.runModelOnce(ctx, []Message{UserMessage(summaryPrompt + collected)})
	if err != nil {
		return err
	}
	summary := summaryMsg.Text()
	if summary == "" {
		return nil
	}

	if err := a.store.SaveHistoryWindow(ctx, a.id, HistoryWindow{
		Timestamp: NowMillis(),
		Messages:  msgs,
	}); err != nil {
		return err
	}

	rewritten := make([]Message, 0, len(msgs)+1)
	rewritten = append(rewritten, prefix...)
	rewritten = append(rewritten, UserMessage("Summary of earlier tool output:\n"+summary))
	rewritten = append(rewritten, msgs[boundary:]...)

	rec := CompressionRecord{
		Timestamp:       NowMillis(),
		BeforeRunes:     beforeRunes,
		AfterRunes:      conversationRunes(rewritten),
		RemovedMessages: compacted,
		Summary:         summary,
	}
	if err := a.store.SaveCompression(ctx, a.id, rec); err != nil {
		a.logger.Warn("save compression record failed", "error", err)
	}

	a.mu.Lock()
	a.messages = rewritten
	a.mu.Unlock()
	a.logger.Info("context compressed",
		"before_runes", rec.BeforeRunes, "after_runes", rec.AfterRunes, "compacted", compacted)
	return a.persistMessages(ctx)
}

func hasToolResult(m Message) bool {
	for _, b := range m.Content {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return false
}
