// Package t5 implements the T5 family of encoder-decoder transformers.
//
// One token embedding table backs both stacks. Attention scores are not
// scaled; instead they are offset by a learned relative position bias that
// the first layer of each stack owns and every later layer reuses.
// Normalization is RMS without recentering, linear projections carry no
// bias, and flan checkpoints replace the plain feed forward with a gated
// GELU pair.
package t5

import (
	"errors"
	"fmt"
	"math"

	"github.com/t5go/t5go/fs"
	"github.com/t5go/t5go/kvcache"
	"github.com/t5go/t5go/ml"
	"github.com/t5go/t5go/ml/nn"
	"github.com/t5go/t5go/ml/nn/attention"
	"github.com/t5go/t5go/model"
	"github.com/t5go/t5go/model/input"
	"github.com/t5go/t5go/tokenizer"
)

// Tensor names accepted and produced by Forward, reported by InputNames
// and OutputNames.
const (
	InputEncoderTokens  = "encoder_token_ids"
	InputEncoderPadding = "encoder_padding_mask"
	InputDecoderTokens  = "decoder_token_ids"
	InputDecoderPadding = "decoder_padding_mask"
)

// Layer types within the decoder wrapper cache.
const (
	cacheTypeCausal  = 0
	cacheTypeEncoder = 1
)

// ErrInvalidOptions is wrapped by every configuration error reported at
// construction. Options are validated eagerly and never clamped.
var ErrInvalidOptions = errors.New("t5: invalid options")

type Options struct {
	numLayers        int
	numHeads         int
	vocabSize        int
	hiddenSize       int
	intermediateSize int

	dropout    float32
	activation string
	gatedFFN   bool
	eps        float32

	relativeBuckets     int32
	relativeDistanceMax int32

	decoderStartToken int32
}

func (o *Options) headDim() int {
	return o.hiddenSize / o.numHeads
}

func (o *Options) activate(ctx ml.Context, t ml.Tensor) ml.Tensor {
	if o.activation == "gelu" {
		return t.GELU(ctx)
	}

	return t.RELU(ctx)
}

func newOptions(c fs.Config) (Options, error) {
	opts := Options{
		numLayers:        int(c.Int("block_count")),
		numHeads:         int(c.Int("attention.head_count")),
		vocabSize:        int(c.Int("vocab_size")),
		hiddenSize:       int(c.Int("embedding_length")),
		intermediateSize: int(c.Int("feed_forward_length")),

		dropout:    c.Float("dropout", 0.1),
		activation: c.String("activation", "relu"),
		gatedFFN:   c.Bool("gated_ffn", false),
		eps:        c.Float("attention.layer_norm_epsilon", 1e-6),

		relativeBuckets:     c.Int("attention.relative_buckets_count", 32),
		relativeDistanceMax: c.Int("attention.relative_distance_max", 128),

		decoderStartToken: c.Int("decoder_start_token_id"),
	}

	switch {
	case opts.numLayers < 1:
		return opts, fmt.Errorf("%w: block_count must be at least 1, got %d", ErrInvalidOptions, opts.numLayers)
	case opts.numHeads < 1:
		return opts, fmt.Errorf("%w: attention.head_count must be at least 1, got %d", ErrInvalidOptions, opts.numHeads)
	case opts.vocabSize < 1:
		return opts, fmt.Errorf("%w: vocab_size must be at least 1, got %d", ErrInvalidOptions, opts.vocabSize)
	case opts.hiddenSize < 1:
		return opts, fmt.Errorf("%w: embedding_length must be at least 1, got %d", ErrInvalidOptions, opts.hiddenSize)
	case opts.intermediateSize < 1:
		return opts, fmt.Errorf("%w: feed_forward_length must be at least 1, got %d", ErrInvalidOptions, opts.intermediateSize)
	case opts.hiddenSize%opts.numHeads != 0:
		return opts, fmt.Errorf("%w: embedding_length %d is not divisible by attention.head_count %d", ErrInvalidOptions, opts.hiddenSize, opts.numHeads)
	case opts.dropout < 0 || opts.dropout >= 1:
		return opts, fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrInvalidOptions, opts.dropout)
	case opts.activation != "relu" && opts.activation != "gelu":
		return opts, fmt.Errorf("%w: activation must be relu or gelu, got %q", ErrInvalidOptions, opts.activation)
	case opts.relativeBuckets < 4:
		return opts, fmt.Errorf("%w: attention.relative_buckets_count must be at least 4, got %d", ErrInvalidOptions, opts.relativeBuckets)
	case opts.relativeDistanceMax <= opts.relativeBuckets:
		return opts, fmt.Errorf("%w: attention.relative_distance_max %d must exceed attention.relative_buckets_count %d", ErrInvalidOptions, opts.relativeDistanceMax, opts.relativeBuckets)
	}

	return opts, nil
}

type Model struct {
	model.Base
	tokenizer.TextProcessor

	// TokenEmbedding is the one table shared by encoder lookups, decoder
	// lookups, and, absent a separate output tensor, the output head.
	TokenEmbedding *nn.Embedding `tensor:"token_embd"`
	Encoder        *Encoder      `tensor:"enc"`
	Decoder        *Decoder      `tensor:"dec"`
	Output         *nn.Linear    `tensor:"output,alt:token_embd"`

	Options
}

func New(c fs.Config) (model.Model, error) {
	opts, err := newOptions(c)
	if err != nil {
		return nil, err
	}

	m := Model{
		Encoder: &Encoder{Layers: make([]EncoderLayer, opts.numLayers)},
		Decoder: &Decoder{Layers: make([]DecoderLayer, opts.numLayers)},
		Options: opts,
	}

	// Bundles written by convert carry the sentencepiece vocabulary.
	// Randomly initialized bundles have none and cannot encode text.
	if tokens := c.Strings("tokenizer.tokens"); len(tokens) > 0 {
		processor, err := tokenizer.NewUnigram(&tokenizer.Vocabulary{
			Values: tokens,
			Scores: c.Floats("tokenizer.scores"),
			Types:  c.Ints("tokenizer.token_type"),
			EOS:    []int32{c.Int("tokenizer.eos_token_id", 1)},
			AddEOS: c.Bool("tokenizer.add_eos_token", true),

			AddSpacePrefix:         c.Bool("tokenizer.add_space_prefix", true),
			RemoveExtraWhitespaces: c.Bool("tokenizer.remove_extra_whitespaces", false),
		}, c.Bytes("tokenizer.precompiled_charsmap"))
		if err != nil {
			return nil, err
		}

		m.TextProcessor = processor
	}

	return &m, nil
}

type SelfAttention struct {
	Query  *nn.Linear `tensor:"attn_q"`
	Key    *nn.Linear `tensor:"attn_k"`
	Value  *nn.Linear `tensor:"attn_v"`
	Output *nn.Linear `tensor:"attn_output"`

	// RelativeBias is only present on layer 0 of each stack.
	RelativeBias *nn.Embedding `tensor:"attn_rel_b"`
}

// relativeBucket maps the signed distance from a query position to a key
// position onto a bucket id. Half of the buckets cover exact distances,
// the rest grow logarithmically out to maxDistance. Bidirectional layout
// splits the range again by sign; the causal layout only sees keys at or
// before the query and folds positive distances into bucket 0.
func relativeBucket(distance, numBuckets, maxDistance int32, bidirectional bool) int32 {
	var bucket int32
	if bidirectional {
		numBuckets /= 2
		if distance > 0 {
			bucket = numBuckets
		} else {
			distance = -distance
		}
	} else if distance > 0 {
		distance = 0
	} else {
		distance = -distance
	}

	maxExact := numBuckets / 2
	if distance < maxExact {
		return bucket + distance
	}

	large := maxExact + int32(math.Log(float64(distance)/float64(maxExact))/
		math.Log(float64(maxDistance)/float64(maxExact))*
		float64(numBuckets-maxExact))

	return bucket + min(large, numBuckets-1)
}

// positionBias builds the additive attention bias [numKeys, numQueries,
// heads] from the layer 0 bucket embedding. Queries are identified by
// their absolute positions so that incremental decoding, where the batch
// holds only the newest tokens, sees the same buckets as a full pass.
func (sa *SelfAttention) positionBias(ctx ml.Context, positions []int32, numKeys int, bidirectional bool, opts *Options) ml.Tensor {
	buckets := make([]int32, len(positions)*numKeys)
	for i, pos := range positions {
		for j := range numKeys {
			buckets[i*numKeys+j] = relativeBucket(int32(j)-pos, opts.relativeBuckets, opts.relativeDistanceMax, bidirectional)
		}
	}

	ids := ctx.Input().FromInts(buckets, len(buckets))
	bias := sa.RelativeBias.Forward(ctx, ids)
	bias = bias.Reshape(ctx, opts.numHeads, numKeys, len(positions))

	return bias.Permute(ctx, 2, 0, 1, 3)
}

func (sa *SelfAttention) Forward(ctx ml.Context, hiddenState, mask, positionBias ml.Tensor, positions []int32, numKeys int, bidirectional bool, cache kvcache.Cache, opts *Options) (ml.Tensor, ml.Tensor) {
	seqLength := hiddenState.Dim(1)
	batchSize := hiddenState.Dim(2)
	headDim := opts.headDim()

	query := sa.Query.Forward(ctx, hiddenState)
	query = query.Reshape(ctx, headDim, opts.numHeads, seqLength, batchSize)

	key := sa.Key.Forward(ctx, hiddenState)
	key = key.Reshape(ctx, headDim, opts.numHeads, seqLength, batchSize)

	value := sa.Value.Forward(ctx, hiddenState)
	value = value.Reshape(ctx, headDim, opts.numHeads, seqLength, batchSize)

	// Layer 0 owns the bucket table and computes the bias; every later
	// layer receives the same tensor and passes it back unchanged.
	if positionBias == nil && sa.RelativeBias != nil {
		positionBias = sa.positionBias(ctx, positions, numKeys, bidirectional, opts)
	}

	attn := nn.Attention(ctx, query, key, value, 1.0, cache,
		attention.WithBias(positionBias), attention.WithMask(mask))
	attn = attn.Reshape(ctx, opts.hiddenSize, seqLength, batchSize)

	return sa.Output.Forward(ctx, attn), positionBias
}

// CrossAttention attends decoder queries over the encoder output. It has
// no relative position bias; the score offset is padding only.
type CrossAttention struct {
	Query  *nn.Linear `tensor:"cross_attn_q"`
	Key    *nn.Linear `tensor:"cross_attn_k"`
	Value  *nn.Linear `tensor:"cross_attn_v"`
	Output *nn.Linear `tensor:"cross_attn_output"`
}

func (ca *CrossAttention) Forward(ctx ml.Context, hiddenState, encoderStates, encoderMask ml.Tensor, cache *kvcache.EncoderCache, opts *Options) ml.Tensor {
	seqLength := hiddenState.Dim(1)
	batchSize := hiddenState.Dim(2)
	headDim := opts.headDim()

	query := ca.Query.Forward(ctx, hiddenState)
	query = query.Reshape(ctx, headDim, opts.numHeads, seqLength, batchSize)

	var key, value ml.Tensor
	if encoderStates != nil {
		encLength := encoderStates.Dim(1)
		encBatch := encoderStates.Dim(2)

		key = ca.Key.Forward(ctx, encoderStates)
		key = key.Reshape(ctx, headDim, opts.numHeads, encLength, encBatch)

		value = ca.Value.Forward(ctx, encoderStates)
		value = value.Reshape(ctx, headDim, opts.numHeads, encLength, encBatch)

		if cache != nil {
			cache.Put(ctx, key, value)
		}
	} else {
		key, value, _ = cache.Get(ctx)
	}

	attn := nn.Attention(ctx, query, key, value, 1.0, nil,
		attention.WithMask(encoderMask))
	attn = attn.Reshape(ctx, opts.hiddenSize, seqLength, batchSize)

	return ca.Output.Forward(ctx, attn)
}

type MLP struct {
	Up   *nn.Linear `tensor:"ffn_up"`
	Down *nn.Linear `tensor:"ffn_down"`

	// Gate is only present on gated checkpoints; it carries the activated
	// half of the pair while Up stays linear.
	Gate *nn.Linear `tensor:"ffn_gate"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *Options) ml.Tensor {
	var hidden ml.Tensor
	if mlp.Gate != nil {
		hidden = opts.activate(ctx, mlp.Gate.Forward(ctx, hiddenState))
		hidden = hidden.Mul(ctx, mlp.Up.Forward(ctx, hiddenState))
	} else {
		hidden = opts.activate(ctx, mlp.Up.Forward(ctx, hiddenState))
	}

	hidden = hidden.Dropout(ctx, opts.dropout)

	return mlp.Down.Forward(ctx, hidden)
}

type EncoderLayer struct {
	AttentionNorm *nn.RMSNorm `tensor:"attn_norm"`
	SelfAttention *SelfAttention
	MLPNorm       *nn.RMSNorm `tensor:"ffn_norm"`
	MLP           *MLP
}

func (l *EncoderLayer) Forward(ctx ml.Context, hiddenState, mask, positionBias ml.Tensor, positions []int32, opts *Options) (ml.Tensor, ml.Tensor) {
	residual := hiddenState

	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState, positionBias = l.SelfAttention.Forward(ctx, hiddenState, mask, positionBias, positions, len(positions), true, nil, opts)
	hiddenState = hiddenState.Dropout(ctx, opts.dropout)
	hiddenState = hiddenState.Add(ctx, residual)

	residual = hiddenState
	hiddenState = l.MLPNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = l.MLP.Forward(ctx, hiddenState, opts)
	hiddenState = hiddenState.Dropout(ctx, opts.dropout)

	return hiddenState.Add(ctx, residual), positionBias
}

type Encoder struct {
	Layers     []EncoderLayer `tensor:"blk"`
	OutputNorm *nn.RMSNorm    `tensor:"output_norm"`
}

func (e *Encoder) Forward(ctx ml.Context, hiddenState, mask ml.Tensor, opts *Options) ml.Tensor {
	hiddenState = hiddenState.Dropout(ctx, opts.dropout)

	positions := make([]int32, hiddenState.Dim(1))
	for i := range positions {
		positions[i] = int32(i)
	}

	var positionBias ml.Tensor
	for _, layer := range e.Layers {
		hiddenState, positionBias = layer.Forward(ctx, hiddenState, mask, positionBias, positions, opts)
	}

	hiddenState = e.OutputNorm.Forward(ctx, hiddenState, opts.eps)

	return hiddenState.Dropout(ctx, opts.dropout)
}

type DecoderLayer struct {
	AttentionNorm      *nn.RMSNorm `tensor:"attn_norm"`
	SelfAttention      *SelfAttention
	CrossAttentionNorm *nn.RMSNorm `tensor:"cross_attn_norm"`
	CrossAttention     *CrossAttention
	MLPNorm            *nn.RMSNorm `tensor:"ffn_norm"`
	MLP                *MLP
}

func (l *DecoderLayer) Forward(ctx ml.Context, hiddenState, mask, positionBias, encoderStates, encoderMask ml.Tensor, positions []int32, numKeys int, cache *kvcache.WrapperCache, opts *Options) (ml.Tensor, ml.Tensor) {
	residual := hiddenState

	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState, opts.eps)

	var selfCache kvcache.Cache
	if cache != nil {
		cache.SetLayerType(cacheTypeCausal)
		selfCache = cache
	}

	hiddenState, positionBias = l.SelfAttention.Forward(ctx, hiddenState, mask, positionBias, positions, numKeys, false, selfCache, opts)
	hiddenState = hiddenState.Dropout(ctx, opts.dropout)
	hiddenState = hiddenState.Add(ctx, residual)

	residual = hiddenState
	hiddenState = l.CrossAttentionNorm.Forward(ctx, hiddenState, opts.eps)

	var crossCache *kvcache.EncoderCache
	if cache != nil {
		cache.SetLayerType(cacheTypeEncoder)
		crossCache = cache.UnderlyingCache().(*kvcache.EncoderCache)
	}

	hiddenState = l.CrossAttention.Forward(ctx, hiddenState, encoderStates, encoderMask, crossCache, opts)
	hiddenState = hiddenState.Dropout(ctx, opts.dropout)
	hiddenState = hiddenState.Add(ctx, residual)

	residual = hiddenState
	hiddenState = l.MLPNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = l.MLP.Forward(ctx, hiddenState, opts)
	hiddenState = hiddenState.Dropout(ctx, opts.dropout)

	return hiddenState.Add(ctx, residual), positionBias
}

type Decoder struct {
	Layers     []DecoderLayer `tensor:"blk"`
	OutputNorm *nn.RMSNorm    `tensor:"output_norm"`
}

func (d *Decoder) Forward(ctx ml.Context, hiddenState, mask, encoderStates, encoderMask ml.Tensor, positions []int32, numKeys int, cache *kvcache.WrapperCache, opts *Options) ml.Tensor {
	hiddenState = hiddenState.Dropout(ctx, opts.dropout)

	var positionBias ml.Tensor
	for i, layer := range d.Layers {
		if cache != nil {
			cache.SetLayer(i)
		}

		hiddenState, positionBias = layer.Forward(ctx, hiddenState, mask, positionBias, encoderStates, encoderMask, positions, numKeys, cache, opts)
	}

	hiddenState = d.OutputNorm.Forward(ctx, hiddenState, opts.eps)

	return hiddenState.Dropout(ctx, opts.dropout)
}

// paddingMask converts a 1/0 per-key padding mask into an additive
// 0/-Inf tensor [length, 1, 1, batch] broadcast over queries and heads.
// A nil mask means no padding and stays nil.
func paddingMask(ctx ml.Context, padding []float32, length, batchSize int) ml.Tensor {
	if padding == nil {
		return nil
	}

	mask := make([]float32, length*batchSize)
	for i, v := range padding {
		if v == 0 {
			mask[i] = float32(math.Inf(-1))
		}
	}

	return ctx.Input().FromFloats(mask, length, 1, 1, batchSize)
}

// causalMask builds the decoder self-attention mask [keys, queries, 1,
// batch]: -Inf wherever the key is past the query or padded out. Keys
// past the query stay masked even where the padding mask is 1. It is
// rebuilt on every forward from the current batch shape.
func causalMask(ctx ml.Context, padding []float32, length, batchSize int) ml.Tensor {
	mask := make([]float32, length*length*batchSize)
	for b := range batchSize {
		for i := range length {
			for j := range length {
				if j > i || (padding != nil && padding[b*length+j] == 0) {
					mask[(b*length+i)*length+j] = float32(math.Inf(-1))
				}
			}
		}
	}

	return ctx.Input().FromFloats(mask, length, length, 1, batchSize)
}

func (m *Model) Forward(ctx ml.Context, batch input.Batch) (*model.Output, error) {
	if batch.Inputs == nil {
		return nil, errors.New("t5: batch has no decoder tokens")
	}

	cache, _ := m.Config().Cache.(*kvcache.WrapperCache)

	out := &model.Output{}

	var encoderStates, encoderMask ml.Tensor
	if batch.EncoderInputs != nil {
		encLength := batch.EncoderInputs.Dim(0)
		encBatch := batch.EncoderInputs.Dim(1)

		encoderMask = paddingMask(ctx, batch.EncoderMask, encLength, encBatch)
		encoderStates = m.Encoder.Forward(ctx, m.TokenEmbedding.Forward(ctx, batch.EncoderInputs), encoderMask, &m.Options)
		out.EncoderSequence = encoderStates
	} else if cache == nil {
		return nil, errors.New("t5: batch has no encoder tokens and no cache holds an encoded sequence")
	}

	decLength := batch.Inputs.Dim(0)
	batchSize := batch.Inputs.Dim(1)

	// Without a cache this is a full-sequence pass: every query position
	// is present, so positions and the causal mask derive from the batch
	// shape. With a cache only the newest tokens are present and the
	// cache supplies the mask over its cells.
	positions := batch.Positions
	numKeys := decLength
	var decoderMask ml.Tensor
	if cache == nil {
		positions = make([]int32, decLength)
		for i := range positions {
			positions[i] = int32(i)
		}

		decoderMask = causalMask(ctx, batch.DecoderMask, decLength, batchSize)
	} else {
		for _, pos := range positions {
			numKeys = max(numKeys, int(pos)+1)
		}
	}

	hiddenState := m.TokenEmbedding.Forward(ctx, batch.Inputs)
	hiddenState = m.Decoder.Forward(ctx, hiddenState, decoderMask, encoderStates, encoderMask, positions, numKeys, cache, &m.Options)
	out.DecoderSequence = hiddenState

	if batch.Outputs != nil {
		selected := hiddenState.Reshape(ctx, m.hiddenSize, decLength*batchSize).Rows(ctx, batch.Outputs)

		// Tied output heads reuse the embedding table, which T5 compensates
		// for by scaling the hidden state down before the projection.
		if m.Output != nil && m.Output.Weight == m.TokenEmbedding.Weight {
			selected = selected.Scale(ctx, 1/math.Sqrt(float64(m.hiddenSize)))
		}

		out.Logits = m.Output.Forward(ctx, selected)
	}

	return out, nil
}

// EncodeSequence runs the encoder stack alone and returns the encoder
// sequence output [hidden, encLen, batch]. The name leaves Encode to the
// embedded text processor.
func (m *Model) EncodeSequence(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	if batch.EncoderInputs == nil {
		return nil, errors.New("t5: batch has no encoder tokens")
	}

	encLength := batch.EncoderInputs.Dim(0)
	encBatch := batch.EncoderInputs.Dim(1)

	mask := paddingMask(ctx, batch.EncoderMask, encLength, encBatch)

	return m.Encoder.Forward(ctx, m.TokenEmbedding.Forward(ctx, batch.EncoderInputs), mask, &m.Options), nil
}

func (m *Model) InputNames() []string {
	return []string{InputEncoderTokens, InputEncoderPadding, InputDecoderTokens, InputDecoderPadding}
}

func (m *Model) OutputNames() []string {
	return []string{model.OutputNameEncoderSequence, model.OutputNameDecoderSequence}
}

// KV returns a fresh config from which New reconstructs an equivalent
// topology. The map is rebuilt on every call; mutating it never affects
// the model.
func (m *Model) KV() fs.KV {
	kv := fs.KV{
		"general.architecture":                "t5",
		"t5.block_count":                      uint32(m.numLayers),
		"t5.attention.head_count":             uint32(m.numHeads),
		"t5.vocab_size":                       uint32(m.vocabSize),
		"t5.embedding_length":                 uint32(m.hiddenSize),
		"t5.feed_forward_length":              uint32(m.intermediateSize),
		"t5.dropout":                          m.dropout,
		"t5.activation":                       m.activation,
		"t5.gated_ffn":                        m.gatedFFN,
		"t5.attention.layer_norm_epsilon":     m.eps,
		"t5.attention.relative_buckets_count": uint32(m.relativeBuckets),
		"t5.attention.relative_distance_max":  uint32(m.relativeDistanceMax),
		"t5.decoder_start_token_id":           uint32(m.decoderStartToken),
	}

	if m.Output != nil && m.Output.Weight != m.TokenEmbedding.Weight {
		kv["t5.tie_word_embeddings"] = false
	}

	return kv
}

func init() {
	model.Register("t5", New)
}
