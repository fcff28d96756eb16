package sample

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// Transform reshapes a logit distribution before sampling. Tokens a
// transform removes from consideration are set to -Inf.
type Transform interface {
	Apply([]float64) []float64
}

// Validate rejects degenerate transform parameters. Weighted samplers
// call it before applying their chain.
func Validate(transforms ...Transform) error {
	for _, tr := range transforms {
		switch tr := tr.(type) {
		case Temperature:
			if tr < 0 {
				return fmt.Errorf("sample: temperature must not be negative, got %v", float64(tr))
			}
		case TopK:
			if tr < 1 {
				return fmt.Errorf("sample: top-k must be at least 1, got %d", int(tr))
			}
		case TopP:
			if tr <= 0 || tr > 1 {
				return fmt.Errorf("sample: top-p must be in (0, 1], got %v", float64(tr))
			}
		case MinP:
			if tr < 0 || tr > 1 {
				return fmt.Errorf("sample: min-p must be in [0, 1], got %v", float64(tr))
			}
		}
	}

	return nil
}

func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, l)
	}

	var sum float64
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = math.Exp(l - maxLogit)
		sum += probs[i]
	}

	for i := range probs {
		probs[i] /= sum
	}

	return probs
}

type Temperature float64

func (t Temperature) Apply(logits []float64) []float64 {
	if t == 1 {
		return logits
	}

	// zero temperature still divides so that the maximum dominates
	temp := math.Max(float64(t), 1e-7)

	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, l)
	}

	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / temp
	}

	return logits
}

// TopK keeps the k highest logits and removes the rest.
type TopK int

func (k TopK) Apply(logits []float64) []float64 {
	if k < 1 || int(k) >= len(logits) {
		return logits
	}

	// min heap of the k best indices; the root falls out as better
	// candidates arrive
	heap := binaryheap.NewWith(func(a, b int) int {
		return cmp.Compare(logits[a], logits[b])
	})

	for i := range logits {
		heap.Push(i)
		if heap.Size() > int(k) {
			heap.Pop()
		}
	}

	out := make([]float64, len(logits))
	for i := range out {
		out[i] = math.Inf(-1)
	}

	for !heap.Empty() {
		i, _ := heap.Pop()
		out[i] = logits[i]
	}

	return out
}

// TopP keeps the smallest set of tokens whose cumulative probability
// reaches p.
type TopP float64

func (p TopP) Apply(logits []float64) []float64 {
	if p >= 1 {
		return logits
	}

	probs := softmax(logits)

	indices := make([]int, len(logits))
	for i := range indices {
		indices[i] = i
	}

	slices.SortFunc(indices, func(a, b int) int {
		return cmp.Compare(probs[b], probs[a])
	})

	out := make([]float64, len(logits))
	for i := range out {
		out[i] = math.Inf(-1)
	}

	var cumulative float64
	for _, i := range indices {
		out[i] = logits[i]
		cumulative += probs[i]
		if cumulative >= float64(p) {
			break
		}
	}

	return out
}

// MinP removes tokens whose probability falls below p times the highest
// probability.
type MinP float64

func (p MinP) Apply(logits []float64) []float64 {
	if p <= 0 {
		return logits
	}

	probs := softmax(logits)

	maxProb := math.Inf(-1)
	for _, v := range probs {
		maxProb = math.Max(maxProb, v)
	}

	threshold := maxProb * float64(p)
	for i := range logits {
		if probs[i] < threshold {
			logits[i] = math.Inf(-1)
		}
	}

	return logits
}
