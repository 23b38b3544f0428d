// Package openaicompat implements the quay Provider over the OpenAI chat
// completions API, which is also spoken by OpenRouter, Groq, Together,
// DeepSeek, Mistral, Ollama, vLLM, and LM Studio.
package openaicompat

import (
	"encoding/json"

	"github.com/quayrun/quay"
)

// --- Request wire types ---

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// --- Response wire types ---

type chatChunk struct {
	ID      string      `json:"id"`
	Choices []choice    `json:"choices"`
	Usage   *usageStats `json:"usage,omitempty"`
}

type choice struct {
	Index        int           `json:"index"`
	Delta        *choiceDelta  `json:"delta,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type choiceDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	// ReasoningContent carries thinking deltas on providers that expose them
	// (DeepSeek and compatibles).
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCall `json:"tool_calls,omitempty"`
}

type usageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// buildBody maps a provider-neutral request onto the OpenAI wire format.
// Tool results become role "tool" messages keyed by tool_call_id; thinking
// blocks never leave the process.
func buildBody(req quay.ChatRequest, model string) chatRequest {
	body := chatRequest{Model: model, MaxTokens: req.MaxTokens}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.System != "" {
		body.Messages = append(body.Messages, wireMessage{Role: "system", Content: req.System})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case quay.RoleSystem:
			body.Messages = append(body.Messages, wireMessage{Role: "system", Content: m.Text()})
		case quay.RoleAssistant:
			wm := wireMessage{Role: "assistant", Content: m.Text()}
			for i, u := range m.ToolUses() {
				args := string(u.Input)
				if args == "" {
					args = "{}"
				}
				wm.ToolCalls = append(wm.ToolCalls, toolCall{
					Index: i,
					ID:    u.ID,
					Type:  "function",
					Function: functionCall{Name: u.Name, Arguments: args},
				})
			}
			body.Messages = append(body.Messages, wm)
		default:
			// User messages: tool_result blocks become individual tool
			// messages, text blocks one user message.
			var text string
			for _, b := range m.Content {
				switch b.Type {
				case quay.BlockToolResult:
					body.Messages = append(body.Messages, wireMessage{
						Role: "tool", ToolCallID: b.ToolUseID, Content: b.Content,
					})
				case quay.BlockText:
					text += b.Text
				}
			}
			if text != "" {
				body.Messages = append(body.Messages, wireMessage{Role: "user", Content: text})
			}
		}
	}

	for _, t := range req.Tools {
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, wireTool{
			Type:     "function",
			Function: wireFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return body
}

// stopCause maps an OpenAI finish_reason.
func stopCause(reason string) quay.StopCause {
	switch reason {
	case "length":
		return quay.StopCauseMaxTokens
	case "tool_calls", "function_call":
		return quay.StopCauseToolUse
	case "stop":
		return quay.StopCauseEndTurn
	default:
		return quay.StopCauseEndTurn
	}
}
