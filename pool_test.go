package quay

import (
	"context"
	"sync"
	"testing"
	"time"
)

// countingStore counts Exists calls, which NewAgent makes exactly once per
// construction.
type countingStore struct {
	*memStore
	mu     sync.Mutex
	exists int
}

func (s *countingStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	s.exists++
	s.mu.Unlock()
	return s.memStore.Exists(ctx, id)
}

func TestPoolSharesOneConstruction(t *testing.T) {
	store := &countingStore{memStore: newMemStore()}
	p := NewPool(store, &mockProvider{})

	const n = 16
	agents := make([]*Agent, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := p.Lease(context.Background(), "a1")
			if err != nil {
				t.Errorf("Lease: %v", err)
				return
			}
			agents[i] = lease.Agent()
			lease.Release()
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if agents[i] != agents[0] {
			t.Fatal("concurrent leases got different instances")
		}
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.exists != 1 {
		t.Fatalf("constructions = %d, want 1", store.exists)
	}
}

func TestPoolEvictsIdleAndResumes(t *testing.T) {
	store := newMemStore()
	p := NewPool(store, &mockProvider{script: []mockResponse{textResponse("hi")}},
		PoolIdleTTL(20*time.Millisecond))

	lease, err := p.Lease(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	a := lease.Agent()
	if _, err := a.Chat(context.Background(), []Message{UserMessage("hello")}); err != nil {
		t.Fatal(err)
	}
	lease.Release()

	deadline := time.Now().Add(2 * time.Second)
	for p.Resident("a1") {
		if time.Now().After(deadline) {
			t.Fatal("idle agent never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Re-lease resumes from durable state.
	lease2, err := p.Lease(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	defer lease2.Release()
	b := lease2.Agent()
	if b == a {
		t.Fatal("evicted instance was reused")
	}
	msgs := b.Messages()
	if len(msgs) != 2 || msgs[1].Text() != "hi" {
		t.Fatalf("resumed messages = %+v", msgs)
	}
}

func TestPoolHeldLeaseBlocksEviction(t *testing.T) {
	p := NewPool(newMemStore(), &mockProvider{}, PoolIdleTTL(10*time.Millisecond))

	lease, err := p.Lease(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	lease2, err := p.Lease(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()

	time.Sleep(50 * time.Millisecond)
	if !p.Resident("a1") {
		t.Fatal("agent evicted while a lease was held")
	}
	lease2.Release()
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	p := NewPool(newMemStore(), &mockProvider{}, PoolIdleTTL(time.Hour))

	lease, err := p.Lease(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	lease2, err := p.Lease(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()
	lease.Release() // double release must not steal lease2's reference

	if !p.Resident("a1") {
		t.Fatal("agent dropped while lease2 held")
	}
	lease2.Release()
}

func TestPoolShutdownRefusesLeases(t *testing.T) {
	p := NewPool(newMemStore(), &mockProvider{})
	lease, err := p.Lease(context.Background(), "a1")
	if err != nil {
		t.Fatal(err)
	}
	lease.Release()
	p.Shutdown()
	if p.Resident("a1") {
		t.Fatal("idle agent survived shutdown")
	}
	if _, err := p.Lease(context.Background(), "a2"); err == nil {
		t.Fatal("lease after shutdown succeeded")
	}
}
