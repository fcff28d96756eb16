package t5

import (
	"errors"

	"github.com/t5go/t5go/kvcache"
	"github.com/t5go/t5go/ml"
	"github.com/t5go/t5go/model"
	"github.com/t5go/t5go/model/input"
	"github.com/t5go/t5go/sample"
	"github.com/t5go/t5go/tokenizer"
)

const defaultMaxTokens = 64

type GenerateOptions struct {
	// MaxTokens bounds the generated sequence, defaulting to 64.
	MaxTokens int

	// Temperature zero or below selects greedily.
	Temperature float32
	TopK        int
	TopP        float32

	// Seed below zero leaves the sampler unseeded.
	Seed int64
}

func (opts GenerateOptions) sampler() sample.Sampler {
	if opts.Temperature <= 0 {
		return sample.Greedy()
	}

	transforms := []sample.Transform{sample.Temperature(opts.Temperature)}
	if opts.TopK > 0 {
		transforms = append(transforms, sample.TopK(opts.TopK))
	}

	if opts.TopP > 0 && opts.TopP < 1 {
		transforms = append(transforms, sample.TopP(opts.TopP))
	}

	var seed *uint64
	if opts.Seed >= 0 {
		s := uint64(opts.Seed)
		seed = &s
	}

	return sample.Weighted(seed, transforms...)
}

// Generate encodes prompt once, then decodes token by token from the
// decoder start token until EOS or MaxTokens. It attaches a fresh kv
// cache to the model for the duration of the call, so the model must not
// serve other forward passes concurrently.
func Generate(m *Model, prompt string, opts GenerateOptions) (string, error) {
	if m.TextProcessor == nil {
		return "", errors.New("t5: model bundle has no tokenizer")
	}

	promptIDs, err := m.TextProcessor.Encode(prompt, true)
	if err != nil {
		return "", err
	}

	if len(promptIDs) == 0 {
		return "", errors.New("t5: prompt produced no tokens")
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	cache := kvcache.NewWrapperCache(kvcache.NewCausalCache(), kvcache.NewEncoderCache())
	cache.Init(m.Backend(), ml.DTypeF32, 1, maxTokens, 1)
	defer cache.Close()

	m.Cache = cache
	defer func() { m.Cache = nil }()

	sampler := opts.sampler()

	next := m.decoderStartToken
	var ids []int32

	for step := range maxTokens {
		ctx := m.Backend().NewContext()

		batch := input.Batch{
			Inputs:    ctx.Input().FromInts([]int32{next}, 1, 1),
			Positions: []int32{int32(step)},
			Sequences: []int{0},
			Outputs:   ctx.Input().FromInts([]int32{0}, 1),
		}

		// the encoder runs once; later steps read cross attention K/V
		// from the cache
		if step == 0 {
			batch.EncoderInputs = ctx.Input().FromInts(promptIDs, len(promptIDs), 1)
		}

		out, err := model.Forward(ctx, m, batch)
		if err != nil {
			ctx.Close()
			return "", err
		}

		logits := out.Logits.Floats()
		ctx.Close()

		if next, err = sampler.Sample(logits); err != nil {
			return "", err
		}

		if m.TextProcessor.Is(next, tokenizer.SpecialEOS) {
			break
		}

		ids = append(ids, next)
	}

	return m.TextProcessor.Decode(ids)
}
