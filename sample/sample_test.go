package sample

import (
	"testing"
)

func TestGreedy(t *testing.T) {
	got, err := Greedy().Sample([]float32{0.1, 0.4, 0.2})
	if err != nil {
		t.Fatal(err)
	}

	if got != 1 {
		t.Errorf("Sample() = %d, want 1", got)
	}

	if _, err := Greedy().Sample(nil); err == nil {
		t.Error("Sample() on empty logits did not error")
	}
}

func TestWeightedDeterminism(t *testing.T) {
	logits := []float32{0.5, 1.5, 0.1, 2.0}

	seed := uint64(42)
	first, err := Weighted(&seed, Temperature(0.8)).Sample(logits)
	if err != nil {
		t.Fatal(err)
	}

	seed = 42
	second, err := Weighted(&seed, Temperature(0.8)).Sample(logits)
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Errorf("same seed sampled %d then %d", first, second)
	}
}

func TestWeightedDominantToken(t *testing.T) {
	// one token holds essentially all of the probability mass
	logits := []float32{0, 0, 1000, 0}

	seed := uint64(7)
	got, err := Weighted(&seed).Sample(logits)
	if err != nil {
		t.Fatal(err)
	}

	if got != 2 {
		t.Errorf("Sample() = %d, want 2", got)
	}
}

func TestWeightedDegenerateTransform(t *testing.T) {
	seed := uint64(0)
	if _, err := Weighted(&seed, TopK(0)).Sample([]float32{1, 2, 3}); err == nil {
		t.Error("Sample() with top-k 0 did not error")
	}

	if _, err := Weighted(&seed).Sample(nil); err == nil {
		t.Error("Sample() on empty logits did not error")
	}
}
