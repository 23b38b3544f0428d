package quay

import "context"

// Store abstracts WAL-protected persistence of agent runtime state plus the
// append-only event log. All operations are cancellable via ctx and fail
// individually; there is no cross-object transaction. Callers order writes so
// an event is appended after the state change it describes, never before.
//
// The Save*/Load* pairs are whole-object replaces: a load returns the last
// value fully written, never a partial one (the file store guarantees this
// with a write-ahead temp file promoted by atomic rename).
type Store interface {
	SaveMessages(ctx context.Context, agentID string, messages []Message) error
	LoadMessages(ctx context.Context, agentID string) ([]Message, error)

	SaveToolCalls(ctx context.Context, agentID string, records []ToolCallRecord) error
	LoadToolCalls(ctx context.Context, agentID string) ([]ToolCallRecord, error)

	SaveTodos(ctx context.Context, agentID string, todos TodoSnapshot) error
	LoadTodos(ctx context.Context, agentID string) (TodoSnapshot, error)

	SaveSkills(ctx context.Context, agentID string, skills SkillsState) error
	LoadSkills(ctx context.Context, agentID string) (SkillsState, error)

	// SaveInfo persists the agent's meta document; its existence is the
	// existence predicate of the agent.
	SaveInfo(ctx context.Context, agentID string, info AgentInfo) error
	LoadInfo(ctx context.Context, agentID string) (AgentInfo, error)
	Exists(ctx context.Context, agentID string) (bool, error)

	// Delete removes the entire agent directory.
	Delete(ctx context.Context, agentID string) error

	// AppendEvent appends one newline-delimited record to the channel log,
	// retrying transient contention with bounded backoff.
	AppendEvent(ctx context.Context, agentID string, ch Channel, tl Timeline) error
	// ReadEvents yields timelines in file order with seq > since.Seq,
	// skipping malformed lines.
	ReadEvents(ctx context.Context, agentID string, ch Channel, since Bookmark) ([]Timeline, error)
	// LastSeq reports the highest seq across all channel logs, so a resumed
	// agent continues its monotonic sequence.
	LastSeq(ctx context.Context, agentID string) (uint64, error)

	SaveSnapshot(ctx context.Context, agentID string, snap Snapshot) error
	LoadSnapshot(ctx context.Context, agentID, snapshotID string) (Snapshot, error)
	ListSnapshots(ctx context.Context, agentID string) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, agentID, snapshotID string) error

	SaveHistoryWindow(ctx context.Context, agentID string, w HistoryWindow) error
	SaveCompression(ctx context.Context, agentID string, c CompressionRecord) error
	// SaveRecoveredFile persists rf under a sanitised form of rf.Name.
	SaveRecoveredFile(ctx context.Context, agentID string, rf RecoveredFile) error
}
