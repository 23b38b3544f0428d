package quay

import (
	"context"
	"fmt"
)

// TakeSnapshot captures the agent's full runtime state between turns. Taking
// a snapshot during an in-flight turn is rejected with ErrTurnActive: a
// mid-turn copy could capture half-finished tool batches.
func (a *Agent) TakeSnapshot(ctx context.Context) (Snapshot, error) {
	a.mu.Lock()
	if a.turnActive {
		a.mu.Unlock()
		return Snapshot{}, fmt.Errorf("agent %s: snapshot: %w", a.id, ErrTurnActive)
	}
	snap := Snapshot{
		ID:        NewID(),
		Timestamp: NowMillis(),
		Messages:  make([]Message, len(a.messages)),
		ToolCalls: make([]ToolCallRecord, len(a.records)),
		Todos:     TodoSnapshot{Items: make([]TodoItem, len(a.todos.Items))},
		Skills:    a.skills,
		Info:      a.info,
	}
	copy(snap.Messages, a.messages)
	copy(snap.ToolCalls, a.records)
	copy(snap.Todos.Items, a.todos.Items)
	a.mu.Unlock()

	if err := a.store.SaveSnapshot(ctx, a.id, snap); err != nil {
		return Snapshot{}, fmt.Errorf("agent %s: save snapshot: %w", a.id, err)
	}
	a.publishMonitor(ctx, Event{Type: EventLifecycle, Note: "snapshot " + snap.ID})
	return snap, nil
}

// RestoreSnapshot replaces the agent's runtime state with a stored snapshot
// and persists the restored state. Like TakeSnapshot, it is rejected during
// a turn.
func (a *Agent) RestoreSnapshot(ctx context.Context, snapshotID string) error {
	a.mu.Lock()
	if a.turnActive {
		a.mu.Unlock()
		return fmt.Errorf("agent %s: restore: %w", a.id, ErrTurnActive)
	}
	a.mu.Unlock()

	snap, err := a.store.LoadSnapshot(ctx, a.id, snapshotID)
	if err != nil {
		return fmt.Errorf("agent %s: load snapshot %s: %w", a.id, snapshotID, err)
	}

	a.mu.Lock()
	a.messages = snap.Messages
	a.records = snap.ToolCalls
	a.todos = snap.Todos
	a.skills = snap.Skills
	// Identity and event history stay with the live agent; only runtime
	// policy is restored.
	a.info.Runtime = snap.Info.Runtime
	a.cfg = snap.Info.Runtime.withDefaults()
	info := a.info
	a.mu.Unlock()

	if err := a.persistMessages(ctx); err != nil {
		return err
	}
	if err := a.persistRecords(ctx); err != nil {
		return err
	}
	if err := a.persistTodos(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	skills := a.skills
	a.mu.Unlock()
	if err := a.store.SaveSkills(ctx, a.id, skills); err != nil {
		return fmt.Errorf("agent %s: save skills: %w", a.id, err)
	}
	if err := a.store.SaveInfo(ctx, a.id, info); err != nil {
		return fmt.Errorf("agent %s: save info: %w", a.id, err)
	}
	a.publishMonitor(ctx, Event{Type: EventLifecycle, Note: "restored " + snapshotID})
	return nil
}

// Snapshots lists the agent's stored snapshots.
func (a *Agent) Snapshots(ctx context.Context) ([]Snapshot, error) {
	return a.store.ListSnapshots(ctx, a.id)
}

// DeleteSnapshot removes a stored snapshot.
func (a *Agent) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return a.store.DeleteSnapshot(ctx, a.id, snapshotID)
}
