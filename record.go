package quay

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ToolState is the lifecycle state of a ToolCallRecord.
type ToolState string

const (
	ToolPending          ToolState = "pending"
	ToolRunning          ToolState = "running"
	ToolApprovalRequired ToolState = "approval_required"
	ToolApproved         ToolState = "approved"
	ToolDenied           ToolState = "denied"
	ToolCompleted        ToolState = "completed"
	ToolFailed           ToolState = "failed"
	ToolSealed           ToolState = "sealed"
)

// legacyToolStates maps the integer-coded states of the pre-1.0 schema to
// named states. Used only when decoding old tool-calls files.
var legacyToolStates = map[int]ToolState{
	0: ToolPending,
	1: ToolRunning,
	2: ToolApprovalRequired,
	3: ToolApproved,
	4: ToolDenied,
	5: ToolCompleted,
	6: ToolFailed,
	7: ToolSealed,
}

// UnmarshalJSON accepts both named states and the legacy integer coding.
func (s *ToolState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = ToolState(name)
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("tool state: unknown encoding %s", data)
	}
	named, ok := legacyToolStates[n]
	if !ok {
		return fmt.Errorf("tool state: unknown legacy code %d", n)
	}
	*s = named
	return nil
}

// toolStateNext is the transition grammar:
//
//	Pending → (ApprovalRequired → {Approved|Denied})? → Running → {Completed|Failed} → Sealed?
//
// Policy denials skip the approval detour (Pending → Denied). Sealed is
// terminal; Denied leaves only sealing.
var toolStateNext = map[ToolState][]ToolState{
	ToolPending:          {ToolApprovalRequired, ToolRunning, ToolDenied},
	ToolApprovalRequired: {ToolApproved, ToolDenied},
	ToolApproved:         {ToolRunning},
	ToolDenied:           {ToolSealed},
	ToolRunning:          {ToolCompleted, ToolFailed},
	ToolCompleted:        {ToolSealed},
	ToolFailed:           {ToolSealed},
	ToolSealed:           {},
}

// Approval carries the approval-gate fields of a ToolCallRecord.
type Approval struct {
	Required   bool   `json:"required"`
	ApprovalID string `json:"approval_id,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
	DecidedAt  int64  `json:"decided_at,omitempty"`
	Note       string `json:"note,omitempty"`
}

// AuditEntry is one step of a record's state history.
type AuditEntry struct {
	State     ToolState `json:"state"`
	Timestamp int64     `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// ToolCallRecord is the durable record of one tool invocation. IDs are unique
// within an agent; back-references to messages go through the matching
// tool_use id, never through pointers, so records replay cleanly.
type ToolCallRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	State       ToolState       `json:"state"`
	Approval    Approval        `json:"approval"`
	Result      string          `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
	AuditTrail  []AuditEntry    `json:"audit_trail,omitempty"`
}

// NewToolCallRecord creates a record in state Pending with its audit trail
// started.
func NewToolCallRecord(id, name string, input json.RawMessage) *ToolCallRecord {
	now := NowMillis()
	return &ToolCallRecord{
		ID:         id,
		Name:       name,
		Input:      input,
		State:      ToolPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		AuditTrail: []AuditEntry{{State: ToolPending, Timestamp: now}},
	}
}

// Transition moves the record to state to, validating against the grammar.
// Illegal transitions are rejected with an InvariantError and leave the
// record unchanged.
func (r *ToolCallRecord) Transition(to ToolState, note string) error {
	legal := false
	for _, next := range toolStateNext[r.State] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return Invariantf("tool call %s: illegal transition %s → %s", r.ID, r.State, to)
	}
	now := NowMillis()
	r.State = to
	r.UpdatedAt = now
	r.AuditTrail = append(r.AuditTrail, AuditEntry{State: to, Timestamp: now, Note: note})

	switch to {
	case ToolRunning:
		r.StartedAt = now
	case ToolCompleted, ToolFailed:
		r.CompletedAt = now
		if r.StartedAt > 0 {
			r.DurationMs = now - r.StartedAt
		}
	}
	return nil
}

// Terminal reports whether the record can never transition again.
func (r *ToolCallRecord) Terminal() bool {
	return r.State == ToolSealed
}

// Seal moves a finished record to its immutable terminal state.
func (r *ToolCallRecord) Seal() error {
	return r.Transition(ToolSealed, "")
}
