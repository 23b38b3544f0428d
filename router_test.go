package quay

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyRequest(t *testing.T) {
	cases := []struct {
		name string
		msgs []Message
		want RequestClass
	}{
		{"single user", []Message{UserMessage("hi")}, ClassNew},
		{"system then user", []Message{SystemMessage("be nice"), UserMessage("hi")}, ClassNew},
		{"assistant present", []Message{UserMessage("hi"), AssistantMessage("hello")}, ClassHistory},
		{"two users", []Message{UserMessage("a"), UserMessage("b")}, ClassHistory},
		{"tool role", []Message{{Role: RoleTool}}, ClassHistory},
		{"empty", nil, ClassUnknown},
		{"system only", []Message{SystemMessage("x")}, ClassUnknown},
		{"user not trailing", []Message{UserMessage("hi"), SystemMessage("x")}, ClassUnknown},
	}
	for _, tc := range cases {
		if got := ClassifyRequest(tc.msgs); got != tc.want {
			t.Errorf("%s: class = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestResolveExplicitSession(t *testing.T) {
	store := newMemStore()
	store.infos["known"] = AgentInfo{AgentID: "known"}
	r := NewRouter(store, nil)

	id, created, err := r.Resolve(context.Background(), RouteRequest{PathSessionID: "known"})
	if err != nil || created || id != "known" {
		t.Fatalf("id=%s created=%v err=%v", id, created, err)
	}

	// Header and path must agree.
	_, _, err = r.Resolve(context.Background(), RouteRequest{PathSessionID: "known", HeaderSessionID: "other"})
	if !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("err = %v, want ErrSessionConflict", err)
	}

	// Matching header is fine.
	id, _, err = r.Resolve(context.Background(), RouteRequest{PathSessionID: "known", HeaderSessionID: "known"})
	if err != nil || id != "known" {
		t.Fatalf("id=%s err=%v", id, err)
	}

	// Explicit ids never create.
	_, _, err = r.Resolve(context.Background(), RouteRequest{HeaderSessionID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolveThreadKeyBindsOnce(t *testing.T) {
	store := newMemStore()
	r := NewRouter(store, nil)

	id1, created, err := r.Resolve(context.Background(), RouteRequest{UserID: "u1", ThreadKey: "chan42"})
	if err != nil || !created || id1 == "" {
		t.Fatalf("id=%s created=%v err=%v", id1, created, err)
	}
	store.infos[id1] = AgentInfo{AgentID: id1} // pool would create it

	id2, created, err := r.Resolve(context.Background(), RouteRequest{UserID: "u1", ThreadKey: "chan42"})
	if err != nil || created || id2 != id1 {
		t.Fatalf("second resolve: id=%s created=%v err=%v", id2, created, err)
	}

	// Different user scope gets its own binding.
	id3, created, err := r.Resolve(context.Background(), RouteRequest{UserID: "u2", ThreadKey: "chan42"})
	if err != nil || !created || id3 == id1 {
		t.Fatalf("other user: id=%s created=%v err=%v", id3, created, err)
	}
}

func TestResolveThreadKeyRebindsAfterDelete(t *testing.T) {
	store := newMemStore()
	r := NewRouter(store, nil)

	id1, _, err := r.Resolve(context.Background(), RouteRequest{ThreadKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	// Agent never materialized (or was deleted): mapping is stale.
	id2, created, err := r.Resolve(context.Background(), RouteRequest{ThreadKey: "k"})
	if err != nil || !created || id2 == id1 {
		t.Fatalf("rebind: id=%s created=%v err=%v", id2, created, err)
	}
}

func TestResolveAutoModeStartsFreshAfterHistory(t *testing.T) {
	store := newMemStore()
	r := NewRouter(store, nil)

	newReq := RouteRequest{UserID: "u", Messages: []Message{UserMessage("hi")}}
	histReq := RouteRequest{UserID: "u", Messages: []Message{UserMessage("a"), AssistantMessage("b"), UserMessage("c")}}

	id1, created, err := r.Resolve(context.Background(), newReq)
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}

	// History-classified requests keep the current auto-default.
	id2, created, err := r.Resolve(context.Background(), histReq)
	if err != nil || created || id2 != id1 {
		t.Fatalf("history: id=%s created=%v err=%v", id2, created, err)
	}

	// New after history starts a fresh conversation.
	id3, created, err := r.Resolve(context.Background(), newReq)
	if err != nil || !created || id3 == id1 {
		t.Fatalf("new after history: id=%s created=%v err=%v", id3, created, err)
	}

	// New after new keeps reusing the fresh agent.
	id4, created, err := r.Resolve(context.Background(), newReq)
	if err != nil || created || id4 != id3 {
		t.Fatalf("new after new: id=%s created=%v err=%v", id4, created, err)
	}
}
