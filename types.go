package quay

import "encoding/json"

// --- Conversation model ---

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType tags a content block variant. The set is closed; consumers
// dispatch on the tag.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message's content. Exactly the fields for
// the tagged variant are populated:
//
//	text:        Text
//	thinking:    Text
//	tool_use:    ID, Name, Input
//	tool_result: ToolUseID, Content, IsError
type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is one ordered element of a conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the message's tool_use blocks in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// --- Block and message constructors ---

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockThinking, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentBlock{TextBlock(text)}}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// ToolResultMessage wraps tool_result blocks in the user message that must
// immediately follow the assistant message carrying the matching tool_use
// blocks.
func ToolResultMessage(results ...ContentBlock) Message {
	return Message{Role: RoleUser, Content: results}
}

// --- Todos ---

// TodoStatus is the lifecycle state of a TodoItem.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry of an agent's todo list.
type TodoItem struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    TodoStatus `json:"status"`
	Assignee  string     `json:"assignee,omitempty"`
	Notes     string     `json:"notes,omitempty"`
	CreatedAt int64      `json:"created_at"`
	UpdatedAt int64      `json:"updated_at"`
}

// TodoSnapshot is the full todo list at a point in time.
// Invariant: at most one item is in_progress.
type TodoSnapshot struct {
	Items []TodoItem `json:"items"`
}

// --- Skills ---

// SkillMeta is the resolved metadata of an activated skill.
type SkillMeta struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Recommended []string `json:"recommended,omitempty"` // recommended tool names
	AutoLoad    bool     `json:"auto_load,omitempty"`
	Path        string   `json:"path,omitempty"`
}

// SkillsState records which skills an agent has activated, with the metadata
// resolved at activation time. Missing skills are diagnosed at use, never
// silently dropped.
type SkillsState struct {
	Activated []string             `json:"activated"`
	Resolved  map[string]SkillMeta `json:"resolved,omitempty"`
}

// --- Agent meta ---

// AgentInfo is the existence predicate of an agent: an agent exists exactly
// when its info document is persisted. Event logs or runtime files without
// info do not constitute an agent.
type AgentInfo struct {
	AgentID      string        `json:"agent_id"`
	TemplateID   string        `json:"template_id,omitempty"`
	Model        string        `json:"model"`
	CreatedAt    int64         `json:"created_at"`
	LastActiveAt int64         `json:"last_active_at"`
	Runtime      RuntimeConfig `json:"runtime"`
}

// --- Snapshots ---

// Snapshot is a consistent point-in-time copy of an agent's runtime state,
// taken only between turns, used for branching and restore.
type Snapshot struct {
	ID        string           `json:"id"`
	Timestamp int64            `json:"timestamp"`
	Messages  []Message        `json:"messages"`
	ToolCalls []ToolCallRecord `json:"tool_calls"`
	Todos     TodoSnapshot     `json:"todos"`
	Skills    SkillsState      `json:"skills"`
	Info      AgentInfo        `json:"info"`
}

// --- History artifacts (append-only, never mutated after write) ---

// HistoryWindow preserves the conversation as it stood before a compression
// pass removed content from the live context.
type HistoryWindow struct {
	Timestamp int64     `json:"timestamp"`
	Messages  []Message `json:"messages"`
}

// CompressionRecord describes one context-compression pass.
type CompressionRecord struct {
	Timestamp       int64  `json:"timestamp"`
	BeforeRunes     int    `json:"before_runes"`
	AfterRunes      int    `json:"after_runes"`
	RemovedMessages int    `json:"removed_messages"`
	Summary         string `json:"summary"`
}

// RecoveredFile preserves the full content of an oversized tool result that
// was truncated before entering the conversation.
type RecoveredFile struct {
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
}

// --- Usage ---

// Usage tracks token consumption across model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}
