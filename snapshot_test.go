package quay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSnapshotRoundTrip(t *testing.T) {
	p := &mockProvider{script: []mockResponse{
		textResponse("first answer"),
		textResponse("second answer"),
	}}
	a, _ := newTestAgent(t, p)
	ctx := context.Background()

	if _, err := a.Chat(ctx, []Message{UserMessage("one")}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddTodo(ctx, "keep me", "", ""); err != nil {
		t.Fatal(err)
	}

	snap, err := a.TakeSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID == "" || len(snap.Messages) != 2 || len(snap.Todos.Items) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Diverge: more conversation, more todos.
	if _, err := a.Chat(ctx, []Message{UserMessage("two")}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddTodo(ctx, "drop me", "", ""); err != nil {
		t.Fatal(err)
	}
	if len(a.Messages()) != 4 {
		t.Fatalf("messages = %d, want 4", len(a.Messages()))
	}

	if err := a.RestoreSnapshot(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}
	msgs := a.Messages()
	if len(msgs) != 2 || msgs[1].Text() != "first answer" {
		t.Fatalf("restored messages = %+v", msgs)
	}
	todos := a.Todos()
	if len(todos.Items) != 1 || todos.Items[0].Title != "keep me" {
		t.Fatalf("restored todos = %+v", todos)
	}
}

func TestSnapshotListAndDelete(t *testing.T) {
	a, _ := newTestAgent(t, &mockProvider{})
	ctx := context.Background()

	s1, err := a.TakeSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := a.TakeSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	list, err := a.Snapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("snapshots = %+v", list)
	}

	if err := a.DeleteSnapshot(ctx, s1.ID); err != nil {
		t.Fatal(err)
	}
	list, _ = a.Snapshots(ctx)
	if len(list) != 1 || list[0].ID != s2.ID {
		t.Fatalf("snapshots after delete = %+v", list)
	}

	if err := a.RestoreSnapshot(ctx, s1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSnapshotRejectedDuringTurn(t *testing.T) {
	p := &blockingProvider{started: make(chan struct{})}
	a, _ := newTestAgent(t, p)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Chat(ctx, []Message{UserMessage("hi")})
	}()
	<-p.started

	if _, err := a.TakeSnapshot(ctx); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("TakeSnapshot err = %v, want ErrTurnActive", err)
	}
	if err := a.RestoreSnapshot(ctx, "any"); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("RestoreSnapshot err = %v, want ErrTurnActive", err)
	}

	a.Interrupt(ctx)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never finished")
	}

	if _, err := a.TakeSnapshot(ctx); err != nil {
		t.Fatalf("snapshot after turn: %v", err)
	}
}
