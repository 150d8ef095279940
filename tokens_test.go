package caravan

import (
	"strings"
	"testing"
)

func TestHeuristicEstimatorDeterministic(t *testing.T) {
	est := HeuristicEstimator{}
	text := "the quick brown fox jumps over the lazy dog"
	a := est.Estimate(text)
	b := est.Estimate(text)
	if a != b {
		t.Fatalf("estimate not deterministic: %d vs %d", a, b)
	}
	if a <= 0 {
		t.Fatalf("non-empty text estimated at %d tokens", a)
	}
}

func TestHeuristicEstimatorEmpty(t *testing.T) {
	if got := (HeuristicEstimator{}).Estimate(""); got != 0 {
		t.Errorf("empty text = %d tokens, want 0", got)
	}
}

func TestHeuristicEstimatorMonotone(t *testing.T) {
	est := HeuristicEstimator{}
	a := "first part of the text"
	b := "and the second part"
	whole := est.Estimate(a + b)
	parts := est.Estimate(a) + est.Estimate(b)
	// Concatenation estimate must be at least the sum of parts minus a
	// fixed constant (here the rounding slack of the two halves).
	if whole < parts-2 {
		t.Errorf("estimate not monotone: concat=%d parts=%d", whole, parts)
	}
}

func TestHeuristicEstimatorScales(t *testing.T) {
	est := HeuristicEstimator{}
	short := est.Estimate("word")
	long := est.Estimate(strings.Repeat("word ", 100))
	if long <= short {
		t.Errorf("longer text should estimate higher: short=%d long=%d", short, long)
	}
}

func TestNewTokenEstimatorNeverNil(t *testing.T) {
	for _, model := range []string{"gpt-4o", "gpt-3.5-turbo", "llama3", ""} {
		est := NewTokenEstimator(model)
		if est == nil {
			t.Fatalf("NewTokenEstimator(%q) returned nil", model)
		}
		if got := est.Estimate(""); got != 0 {
			t.Errorf("model %q: empty text = %d tokens, want 0", model, got)
		}
	}
}

func TestNewTokenEstimatorCountsPlausibly(t *testing.T) {
	est := NewTokenEstimator("gpt-4o")
	text := "The quick brown fox jumps over the lazy dog."
	a := est.Estimate(text)
	if a != est.Estimate(text) {
		t.Fatalf("estimate not deterministic for %q", text)
	}
	// Both the encoding-backed path and the byte fallback land in this
	// range for a short English sentence.
	if a < 5 || a > 20 {
		t.Errorf("got %d tokens for %q, want between 5 and 20", a, text)
	}
}
