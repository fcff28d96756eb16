// Package sample selects token ids from model logits.
package sample

import (
	"errors"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Sampler selects a token id from a logit vector.
type Sampler interface {
	Sample([]float32) (int32, error)
}

type greedy struct{}

// Greedy returns the sampler that always picks the highest logit.
func Greedy() Sampler {
	return greedy{}
}

func (greedy) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits")
	}

	f64s := make([]float64, len(logits))
	for i, v := range logits {
		f64s[i] = float64(v)
	}

	return int32(floats.MaxIdx(f64s)), nil
}

type weighted struct {
	src        rand.Source
	transforms []Transform
}

// Weighted returns a sampler that draws from the softmax distribution of
// the logits after the transforms run in order. A nil seed leaves the
// source unseeded.
func Weighted(seed *uint64, transforms ...Transform) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(*seed)
	}

	return weighted{src: src, transforms: transforms}
}

func (w weighted) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits")
	}

	if err := Validate(w.transforms...); err != nil {
		return -1, err
	}

	f64s := make([]float64, len(logits))
	for i, v := range logits {
		f64s[i] = float64(v)
	}

	for _, t := range w.transforms {
		f64s = t.Apply(f64s)
	}

	// tokens a transform removed carry -Inf and zero out here
	probs := softmax(f64s)

	idx, ok := sampleuv.NewWeighted(probs, w.src).Take()
	if !ok {
		return -1, errors.New("sample: no token had positive weight")
	}

	return int32(idx), nil
}
