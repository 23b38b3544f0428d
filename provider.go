package quay

import (
	"context"
	"encoding/json"
)

// StopCause is the provider-reported reason a model message ended.
type StopCause string

const (
	StopCauseEndTurn      StopCause = "end_turn"
	StopCauseMaxTokens    StopCause = "max_tokens"
	StopCauseStopSequence StopCause = "stop_sequence"
	StopCauseToolUse      StopCause = "tool_use"
)

// ChunkType tags a StreamChunk variant. The set is closed.
type ChunkType string

const (
	ChunkTextDelta       ChunkType = "text_delta"
	ChunkThinkingDelta   ChunkType = "thinking_delta"
	ChunkToolUseStart    ChunkType = "tool_use_start"
	ChunkToolInputDelta  ChunkType = "tool_input_delta"
	ChunkToolUseComplete ChunkType = "tool_use_complete"
	ChunkMessageStop     ChunkType = "message_stop"
)

// StreamChunk is one element of a provider stream. Fields beyond Type are
// populated per variant:
//
//	text_delta:        Text
//	thinking_delta:    Text
//	tool_use_start:    ID, Name
//	tool_input_delta:  ID, JSONFragment
//	tool_use_complete: ID, Input
//	message_stop:      Reason, Usage
type StreamChunk struct {
	Type         ChunkType
	Text         string
	ID           string
	Name         string
	JSONFragment string
	Input        json.RawMessage
	Reason       StopCause
	Usage        *Usage
}

// ToolSchema is the provider-facing description of one callable tool.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ChatRequest is a provider-neutral streaming completion request. Messages
// must already be normalized (see NormalizeMessages); providers may reject
// interleavings that violate tool_use/tool_result adjacency.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSchema
	MaxTokens int
}

// Provider streams chat completions with tool-call deltas.
//
// Stream sends chunks into ch as they arrive and returns when the stream
// ends. The provider must not close ch; the caller owns the channel. Errors
// are categorised as *ProviderError wherever the cause is known.
//
// Tool-call ids emitted by the provider round-trip verbatim into
// ToolResult.ToolUseID. Providers that elide ids leave StreamChunk.ID empty
// and the runtime synthesizes one deterministic within the stream.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) error
}
