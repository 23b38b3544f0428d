package observer

import (
	"math"
	"testing"
)

func TestCalculateKnownModel(t *testing.T) {
	c := NewCostCalculator(nil)
	// gpt-4o-mini: 0.15 in / 0.60 out per million.
	got := c.Calculate("gpt-4o-mini", 1_000_000, 500_000)
	want := 0.15 + 0.30
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("cost = %f, want %f", got, want)
	}
}

func TestCalculateUnknownModelIsFree(t *testing.T) {
	c := NewCostCalculator(nil)
	if got := c.Calculate("mystery-model", 1_000_000, 1_000_000); got != 0 {
		t.Fatalf("cost = %f, want 0", got)
	}
}

func TestOverridesMergeWithDefaults(t *testing.T) {
	c := NewCostCalculator(map[string]ModelPricing{
		"gpt-4o-mini": {InputPerMillion: 1, OutputPerMillion: 2},
		"local-llama": {InputPerMillion: 0.01, OutputPerMillion: 0.02},
	})
	if got := c.Calculate("gpt-4o-mini", 1_000_000, 0); got != 1 {
		t.Fatalf("override ignored: %f", got)
	}
	if got := c.Calculate("local-llama", 0, 1_000_000); got != 0.02 {
		t.Fatalf("added model: %f", got)
	}
	// Untouched defaults survive the merge.
	if got := c.Calculate("gpt-4o", 1_000_000, 0); got != 2.5 {
		t.Fatalf("default lost: %f", got)
	}
	// The package-level table itself is not mutated.
	if DefaultPricing["gpt-4o-mini"].InputPerMillion != 0.15 {
		t.Fatal("DefaultPricing mutated by overrides")
	}
}
