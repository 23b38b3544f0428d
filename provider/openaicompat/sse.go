package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/quayrun/quay"
)

// partialCall accumulates one streamed tool call. OpenAI streams tool calls
// by index; the id and name arrive on the first fragment.
type partialCall struct {
	id      string
	name    string
	started bool
	args    strings.Builder
}

// decodeSSE reads the SSE body and emits provider-neutral chunks:
// text/thinking deltas as they arrive, tool_use_start on the first fragment
// of each call, tool_use_complete with the assembled arguments once the
// stream ends, then a single message_stop.
//
// Expected wire format:
//
//	data: {"id":"...","choices":[...]}
//	data: [DONE]
func decodeSSE(ctx context.Context, body io.Reader, ch chan<- quay.StreamChunk) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	send := func(c quay.StreamChunk) error {
		select {
		case ch <- c:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var calls []*partialCall
	var usage *quay.Usage
	finish := ""

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Malformed chunks are skipped, not fatal.
			continue
		}
		if chunk.Usage != nil {
			usage = &quay.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		c := chunk.Choices[0]
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
		if c.Delta == nil {
			continue
		}

		if c.Delta.Content != "" {
			if err := send(quay.StreamChunk{Type: quay.ChunkTextDelta, Text: c.Delta.Content}); err != nil {
				return err
			}
		}
		if c.Delta.ReasoningContent != "" {
			if err := send(quay.StreamChunk{Type: quay.ChunkThinkingDelta, Text: c.Delta.ReasoningContent}); err != nil {
				return err
			}
		}

		for _, tc := range c.Delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, &partialCall{})
			}
			pc := calls[tc.Index]
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if !pc.started && pc.name != "" {
				pc.started = true
				if err := send(quay.StreamChunk{Type: quay.ChunkToolUseStart, ID: pc.id, Name: pc.name}); err != nil {
					return err
				}
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				if pc.started {
					if err := send(quay.StreamChunk{Type: quay.ChunkToolInputDelta, ID: pc.id, JSONFragment: tc.Function.Arguments}); err != nil {
						return err
					}
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for _, pc := range calls {
		if !pc.started {
			continue
		}
		args := json.RawMessage(pc.args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		if err := send(quay.StreamChunk{Type: quay.ChunkToolUseComplete, ID: pc.id, Name: pc.name, Input: args}); err != nil {
			return err
		}
	}

	reason := stopCause(finish)
	if len(calls) > 0 && finish == "" {
		reason = quay.StopCauseToolUse
	}
	return send(quay.StreamChunk{Type: quay.ChunkMessageStop, Reason: reason, Usage: usage})
}
