package quay

import (
	"encoding/json"
	"fmt"
)

// --- Event channels ---

// Channel is one of the three independent ordered event streams of an agent.
// Ordering holds within a channel; across channels only the producer's
// causal happens-before is guaranteed.
type Channel string

const (
	// ChannelProgress carries text deltas, tool start/end, and turn completion.
	ChannelProgress Channel = "progress"
	// ChannelControl carries approval requests, permission decisions, and
	// cancellation notices.
	ChannelControl Channel = "control"
	// ChannelMonitor carries metrics, errors, and lifecycle events.
	ChannelMonitor Channel = "monitor"
)

// Channels lists all channels in a stable order.
func Channels() []Channel {
	return []Channel{ChannelProgress, ChannelControl, ChannelMonitor}
}

// --- Stop reasons ---

// StopReason classifies how a Chat call terminated.
type StopReason string

const (
	StopEndTurn          StopReason = "end_turn"
	StopMaxIterations    StopReason = "max_iterations"
	StopCancelled        StopReason = "cancelled"
	StopAwaitingApproval StopReason = "awaiting_approval"
	StopError            StopReason = "error"
)

// --- Domain events ---

// EventType tags an Event variant. The set is closed.
type EventType string

const (
	// Progress channel.
	EventTextDelta       EventType = "text_delta"
	EventThinkingDelta   EventType = "thinking_delta"
	EventToolStart       EventType = "tool_start"
	EventToolEnd         EventType = "tool_end"
	EventMessagesChanged EventType = "messages_changed"
	EventDone            EventType = "done"

	// Control channel.
	EventPermissionRequired EventType = "permission_required"
	EventPermissionDecided  EventType = "permission_decided"
	EventCancelRequested    EventType = "cancel_requested"

	// Monitor channel.
	EventToolError         EventType = "tool_error"
	EventProviderTransient EventType = "provider_transient"
	EventModelError        EventType = "model_error"
	EventLifecycle         EventType = "lifecycle"
	EventStoreDegraded     EventType = "store_degraded"
	EventSchemaDiscarded   EventType = "schema_discarded"
)

// Event is a tagged domain event. Fields beyond Type are populated per
// variant; unused fields stay zero and are elided from the wire form.
type Event struct {
	Type EventType `json:"type"`

	// Text delta payload.
	Text string `json:"text,omitempty"`

	// Tool events.
	CallID       string `json:"call_id,omitempty"`
	Name         string `json:"name,omitempty"`
	InputPreview string `json:"input_preview,omitempty"`
	ApprovalID   string `json:"approval_id,omitempty"`
	Success      bool   `json:"success,omitempty"`
	Approved     bool   `json:"approved,omitempty"`

	// Done.
	Reason StopReason `json:"reason,omitempty"`

	// Monitor payloads.
	Error string `json:"error,omitempty"`
	Note  string `json:"note,omitempty"`

	// Usage accompanies done events when the provider reported it.
	Usage *Usage `json:"usage,omitempty"`
}

// --- Positioned envelope ---

// Bookmark is a resumable cursor into one event channel.
type Bookmark struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// Timeline positions an Event on a channel. Seq is strictly increasing per
// agent; the cursor is an opaque replay token combining channel and seq.
type Timeline struct {
	Cursor   string   `json:"cursor"`
	Bookmark Bookmark `json:"bookmark"`
	Event    Event    `json:"event"`
}

// cursorFor renders the opaque replay token for a channel position.
func cursorFor(ch Channel, seq uint64) string {
	return fmt.Sprintf("%s:%d", ch, seq)
}

// EncodeTimeline renders tl as a single JSON line for the append-only log.
func EncodeTimeline(tl Timeline) ([]byte, error) {
	return json.Marshal(tl)
}

// DecodeTimeline parses one log line. Callers skip (with a log entry) lines
// that fail to parse; a torn tail write must not poison replay.
func DecodeTimeline(line []byte) (Timeline, error) {
	var tl Timeline
	if err := json.Unmarshal(line, &tl); err != nil {
		return Timeline{}, fmt.Errorf("timeline: %w", err)
	}
	return tl, nil
}
