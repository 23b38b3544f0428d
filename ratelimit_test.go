package quay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitedZeroRPSIsIdentity(t *testing.T) {
	p := &mockProvider{}
	if got := RateLimited(p, 0, 1); got != Provider(p) {
		t.Fatal("zero rps did not return the provider unchanged")
	}
	if got := RateLimited(p, -1, 1); got != Provider(p) {
		t.Fatal("negative rps did not return the provider unchanged")
	}
}

func TestRateLimitedDelegates(t *testing.T) {
	p := &mockProvider{script: []mockResponse{textResponse("hi")}}
	rl := RateLimited(p, 100, 1)
	if rl.Name() != "mock" {
		t.Fatalf("name = %q", rl.Name())
	}

	ch := make(chan StreamChunk, 8)
	if err := rl.Stream(context.Background(), ChatRequest{}, ch); err != nil {
		t.Fatal(err)
	}
	close(ch)
	var texts int
	for chunk := range ch {
		if chunk.Type == ChunkTextDelta {
			texts++
		}
	}
	if texts != 1 {
		t.Fatalf("text chunks = %d, want 1", texts)
	}
}

func TestRateLimitedWaitRespectsContext(t *testing.T) {
	p := &mockProvider{script: []mockResponse{textResponse("a"), textResponse("b")}}
	rl := RateLimited(p, 0.01, 1)

	// First call takes the only token.
	ch := make(chan StreamChunk, 8)
	if err := rl.Stream(context.Background(), ChatRequest{}, ch); err != nil {
		t.Fatal(err)
	}

	// Second call would wait ~100s for a token; the context cuts it short.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := rl.Stream(ctx, ChatRequest{}, make(chan StreamChunk, 8))
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != ProviderCancelled {
		t.Fatalf("err = %v, want ProviderCancelled", err)
	}
	if p.callCount() != 1 {
		t.Fatalf("inner calls = %d, want 1", p.callCount())
	}
}
