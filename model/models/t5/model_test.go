package t5

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/t5go/t5go/fs"
	"github.com/t5go/t5go/kvcache"
	"github.com/t5go/t5go/ml"
	"github.com/t5go/t5go/model"
	"github.com/t5go/t5go/model/input"
)

func testKV() fs.KV {
	return fs.KV{
		"general.architecture":    "t5",
		"t5.block_count":          uint32(2),
		"t5.attention.head_count": uint32(2),
		"t5.vocab_size":           uint32(100),
		"t5.embedding_length":     uint32(8),
		"t5.feed_forward_length":  uint32(16),
	}
}

func testModel(t *testing.T, kv fs.KV, seed int64) *Model {
	t.Helper()

	dir := t.TempDir()
	if err := Create(dir, kv, seed); err != nil {
		t.Fatal(err)
	}

	m, err := model.New(context.Background(), dir, ml.BackendParams{})
	if err != nil {
		t.Fatal(err)
	}

	return m.(*Model)
}

func assertFinite(t *testing.T, name string, tensor ml.Tensor) {
	t.Helper()

	for i, v := range tensor.Floats() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("%s value %d is %v", name, i, v)
		}
	}
}

func TestForward(t *testing.T) {
	m := testModel(t, testKV(), 0)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	batch, err := input.NewBatch(ctx,
		[][]int32{{1, 2, 3, 4, 5}, {6, 7, 8, 9, 10}},
		[][]int32{{0, 11, 12, 13}, {0, 14, 15, 16}})
	if err != nil {
		t.Fatal(err)
	}

	out, err := model.Forward(ctx, m, batch)
	if err != nil {
		t.Fatal(err)
	}

	for _, tt := range []struct {
		name   string
		tensor ml.Tensor
		shape  []int
	}{
		{model.OutputNameEncoderSequence, out.EncoderSequence, []int{8, 5, 2}},
		{model.OutputNameDecoderSequence, out.DecoderSequence, []int{8, 4, 2}},
	} {
		if tt.tensor == nil {
			t.Fatalf("%s is nil", tt.name)
		}

		for i, want := range tt.shape {
			if got := tt.tensor.Dim(i); got != want {
				t.Errorf("%s dim %d = %d, want %d", tt.name, i, got, want)
			}
		}

		assertFinite(t, tt.name, tt.tensor)
	}

	named := out.Named()
	for _, name := range m.OutputNames() {
		if named[name] == nil {
			t.Errorf("output %q missing from Named()", name)
		}
	}
}

func TestInputOutputNames(t *testing.T) {
	m := testModel(t, testKV(), 0)

	wantIn := []string{"encoder_token_ids", "encoder_padding_mask", "decoder_token_ids", "decoder_padding_mask"}
	if got := m.InputNames(); !slices.Equal(got, wantIn) {
		t.Errorf("InputNames() = %v, want %v", got, wantIn)
	}

	wantOut := []string{"encoder_sequence_output", "decoder_sequence_output"}
	if got := m.OutputNames(); !slices.Equal(got, wantOut) {
		t.Errorf("OutputNames() = %v, want %v", got, wantOut)
	}
}

func TestSharedEmbeddingTable(t *testing.T) {
	m := testModel(t, testKV(), 0)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	encVec := m.TokenEmbedding.Forward(ctx, ctx.Input().FromInts([]int32{7}, 1, 1)).Floats()
	decVec := m.TokenEmbedding.Forward(ctx, ctx.Input().FromInts([]int32{7}, 1, 1)).Floats()
	if !slices.Equal(encVec, decVec) {
		t.Errorf("encoder and decoder lookups of the same id differ: %v != %v", encVec, decVec)
	}

	// the tied output head resolves to the embedding tensor itself, not a
	// copy
	if m.Output.Weight != m.TokenEmbedding.Weight {
		t.Error("output head does not share the embedding table")
	}
}

func TestPositionBiasThreading(t *testing.T) {
	m := testModel(t, testKV(), 0)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	if m.Encoder.Layers[0].SelfAttention.RelativeBias == nil {
		t.Fatal("encoder layer 0 has no relative bias table")
	}

	if m.Encoder.Layers[1].SelfAttention.RelativeBias != nil {
		t.Fatal("encoder layer 1 should not own a relative bias table")
	}

	hidden := m.TokenEmbedding.Forward(ctx, ctx.Input().FromInts([]int32{1, 2, 3}, 3, 1))
	positions := []int32{0, 1, 2}

	hidden1, bias := m.Encoder.Layers[0].Forward(ctx, hidden, nil, nil, positions, &m.Options)
	if bias == nil {
		t.Fatal("encoder layer 0 did not produce a position bias")
	}

	if _, bias1 := m.Encoder.Layers[1].Forward(ctx, hidden1, nil, bias, positions, &m.Options); bias1 != bias {
		t.Error("encoder layer 1 replaced the threaded position bias")
	}

	encoderStates := m.Encoder.Forward(ctx, hidden, nil, &m.Options)

	dhidden, dbias := m.Decoder.Layers[0].Forward(ctx, hidden, nil, nil, encoderStates, nil, positions, 3, nil, &m.Options)
	if dbias == nil {
		t.Fatal("decoder layer 0 did not produce a position bias")
	}

	if dbias == bias {
		t.Error("decoder reused the encoder position bias")
	}

	if _, dbias1 := m.Decoder.Layers[1].Forward(ctx, dhidden, nil, dbias, encoderStates, nil, positions, 3, nil, &m.Options); dbias1 != dbias {
		t.Error("decoder layer 1 replaced the threaded position bias")
	}
}

func TestDecoderMask(t *testing.T) {
	m := testModel(t, testKV(), 0)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	// sequence 0 pads its last position, sequence 1 is full
	padding := []float32{1, 1, 0, 1, 1, 1}
	values := causalMask(ctx, padding, 3, 2).Floats()

	for b := range 2 {
		for i := range 3 {
			for j := range 3 {
				masked := math.IsInf(float64(values[b*9+i*3+j]), -1)
				want := j > i || padding[b*3+j] == 0
				if masked != want {
					t.Errorf("mask[%d,%d,%d] masked = %v, want %v", b, i, j, masked, want)
				}
			}
		}
	}

	padded := paddingMask(ctx, []float32{1, 0}, 2, 1).Floats()
	if padded[0] != 0 || !math.IsInf(float64(padded[1]), -1) {
		t.Errorf("paddingMask() = %v, want [0, -Inf]", padded)
	}

	if paddingMask(ctx, nil, 2, 1) != nil {
		t.Error("paddingMask() on nil padding should stay nil")
	}
}

func TestOptionsValidation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value any
	}{
		{"ZeroLayers", "t5.block_count", 0},
		{"ZeroVocab", "t5.vocab_size", 0},
		{"NegativeHidden", "t5.embedding_length", -8},
		{"ZeroHeads", "t5.attention.head_count", 0},
		{"IndivisibleHeads", "t5.embedding_length", 9},
		{"DropoutTooHigh", "t5.dropout", float32(1.0)},
		{"NegativeDropout", "t5.dropout", float32(-0.1)},
		{"UnknownActivation", "t5.activation", "swish"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			kv := testKV()
			kv[tt.key] = tt.value

			if _, err := New(kv); !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("New() error = %v, want ErrInvalidOptions", err)
			}
		})
	}

	if _, err := New(testKV()); err != nil {
		t.Errorf("New() on a valid config = %v", err)
	}
}

func TestPresetRegistry(t *testing.T) {
	want := []string{"flan-t5-base", "flan-t5-large", "t5-base", "t5-large", "t5-small"}

	var names []string
	for _, p := range Presets() {
		names = append(names, p.Name)

		if _, err := newOptions(p.Config); err != nil {
			t.Errorf("preset %q does not validate: %v", p.Name, err)
		}

		if p.Digest == "" || p.URL == "" {
			t.Errorf("preset %q is missing metadata", p.Name)
		}
	}

	if !slices.Equal(names, want) {
		t.Errorf("Presets() names = %v, want %v", names, want)
	}
}

func TestPresetDeepCopy(t *testing.T) {
	first, err := GetPreset("t5-small")
	if err != nil {
		t.Fatal(err)
	}

	second, err := GetPreset("t5-small")
	if err != nil {
		t.Fatal(err)
	}

	first.Config["t5.block_count"] = uint32(99)

	if got := second.Config.Uint("block_count"); got != 6 {
		t.Errorf("mutating one copy changed another: block_count = %d", got)
	}

	third, err := GetPreset("t5-small")
	if err != nil {
		t.Fatal(err)
	}

	if got := third.Config.Uint("block_count"); got != 6 {
		t.Errorf("mutating a copy changed the registry: block_count = %d", got)
	}

	if _, err := GetPreset("t5-colossal"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("GetPreset() error = %v, want ErrUnknownPreset", err)
	}
}

func TestPresetParameterCount(t *testing.T) {
	want := map[string]uint64{
		"t5-small":      60506624,
		"t5-base":       222903552,
		"t5-large":      737668096,
		"flan-t5-base":  247577856,
		"flan-t5-large": 783150080,
	}

	for _, p := range Presets() {
		if got := p.ParameterCount(); got != want[p.Name] {
			t.Errorf("%s ParameterCount() = %d, want %d", p.Name, got, want[p.Name])
		}
	}

	// Create records the same total the formula predicts
	kv := testKV()
	kv["t5.tie_word_embeddings"] = false

	dir := t.TempDir()
	if err := Create(dir, kv, 0); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}

	var written fs.KV
	if err := json.Unmarshal(b, &written); err != nil {
		t.Fatal(err)
	}

	if got, want := written.ParameterCount(), (Preset{Config: kv}).ParameterCount(); got != want {
		t.Errorf("created bundle parameter_count = %d, want %d", got, want)
	}
}

func TestUntiedOutputHead(t *testing.T) {
	kv := testKV()
	kv["t5.tie_word_embeddings"] = false

	m := testModel(t, kv, 0)

	if m.Output.Weight == m.TokenEmbedding.Weight {
		t.Fatal("untied bundle still shares the output head with the embedding table")
	}

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	batch, err := input.NewBatch(ctx, [][]int32{{1, 2, 3}}, [][]int32{{0, 4}})
	if err != nil {
		t.Fatal(err)
	}

	out, err := model.Forward(ctx, m, batch)
	if err != nil {
		t.Fatal(err)
	}

	if out.Logits == nil {
		t.Fatal("untied model produced no logits")
	}

	assertFinite(t, "logits", out.Logits)
}

func TestRelativeBucket(t *testing.T) {
	t.Run("Bidirectional", func(t *testing.T) {
		cases := []struct {
			distance int32
			want     int32
		}{
			{0, 0},
			{1, 17},
			{-1, 1},
			{7, 23},
			{8, 24},
			{-8, 8},
			{15, 25},
			{-15, 9},
			{127, 31},
			{200, 31},
		}

		for _, tt := range cases {
			if got := relativeBucket(tt.distance, 32, 128, true); got != tt.want {
				t.Errorf("relativeBucket(%d) = %d, want %d", tt.distance, got, tt.want)
			}
		}
	})

	t.Run("Causal", func(t *testing.T) {
		cases := []struct {
			distance int32
			want     int32
		}{
			{0, 0},
			{5, 0},
			{-1, 1},
			{-15, 15},
			{-16, 16},
			{-20, 17},
			{-127, 31},
			{-128, 31},
		}

		for _, tt := range cases {
			if got := relativeBucket(tt.distance, 32, 128, false); got != tt.want {
				t.Errorf("relativeBucket(%d) = %d, want %d", tt.distance, got, tt.want)
			}
		}
	})
}

func TestGatedFeedForward(t *testing.T) {
	kv := testKV()
	kv["t5.activation"] = "gelu"
	kv["t5.gated_ffn"] = true

	gated := testModel(t, kv, 0)
	if gated.Encoder.Layers[0].MLP.Gate == nil {
		t.Fatal("gated model has no gate projection")
	}

	plain := testModel(t, testKV(), 0)
	if plain.Encoder.Layers[0].MLP.Gate != nil {
		t.Fatal("plain model should not have a gate projection")
	}

	ctx := gated.Backend().NewContext()
	defer ctx.Close()

	batch, err := input.NewBatch(ctx, [][]int32{{1, 2, 3}}, [][]int32{{0, 4}})
	if err != nil {
		t.Fatal(err)
	}

	out, err := model.Forward(ctx, gated, batch)
	if err != nil {
		t.Fatal(err)
	}

	assertFinite(t, "gated decoder output", out.DecoderSequence)
}

func TestCreateDeterminism(t *testing.T) {
	m1 := testModel(t, testKV(), 7)
	m2 := testModel(t, testKV(), 7)

	run := func(m *Model) ([]float32, []float32) {
		ctx := m.Backend().NewContext()
		defer ctx.Close()

		batch, err := input.NewBatch(ctx, [][]int32{{1, 2, 3}}, [][]int32{{0, 4, 5}})
		if err != nil {
			t.Fatal(err)
		}

		out, err := model.Forward(ctx, m, batch)
		if err != nil {
			t.Fatal(err)
		}

		return out.EncoderSequence.Floats(), out.DecoderSequence.Floats()
	}

	enc1, dec1 := run(m1)
	enc2, dec2 := run(m2)

	if !slices.Equal(enc1, enc2) {
		t.Error("same seed produced different encoder outputs")
	}

	if !slices.Equal(dec1, dec2) {
		t.Error("same seed produced different decoder outputs")
	}
}

func TestKVRoundTrip(t *testing.T) {
	m := testModel(t, testKV(), 0)

	kv := m.KV()
	opts, err := newOptions(kv)
	if err != nil {
		t.Fatal(err)
	}

	if opts != m.Options {
		t.Errorf("options after round trip = %+v, want %+v", opts, m.Options)
	}

	kv["t5.block_count"] = uint32(99)
	if got := m.KV().Int("block_count"); got != 2 {
		t.Errorf("mutating a returned config reached the model: block_count = %d", got)
	}
}

func TestEncodeSequence(t *testing.T) {
	m := testModel(t, testKV(), 0)

	ctx := m.Backend().NewContext()
	defer ctx.Close()

	batch, err := input.NewBatch(ctx, [][]int32{{1, 2, 3}}, [][]int32{{0}})
	if err != nil {
		t.Fatal(err)
	}

	enc, err := model.Encode(ctx, m, batch)
	if err != nil {
		t.Fatal(err)
	}

	for i, want := range []int{8, 3, 1} {
		if got := enc.Dim(i); got != want {
			t.Errorf("dim %d = %d, want %d", i, got, want)
		}
	}

	assertFinite(t, "encoder output", enc)

	out, err := model.Forward(ctx, m, batch)
	if err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(enc.Floats(), out.EncoderSequence.Floats()) {
		t.Error("EncodeSequence() disagrees with the encoder half of Forward()")
	}
}

func TestGenerate(t *testing.T) {
	kv := testKV()
	kv["t5.vocab_size"] = uint32(11)
	kv["tokenizer.tokens"] = []string{"<pad>", "</s>", "<unk>", "▁hello", "▁world", "▁", "hello", "wor", "ld", "▁translate", "<extra_id_0>"}
	kv["tokenizer.scores"] = []float32{0, 0, 0, -1, -2, -10, -5, -6, -6, -3, 0}
	kv["tokenizer.token_type"] = []int32{3, 3, 2, 1, 1, 1, 1, 1, 1, 1, 4}
	kv["tokenizer.eos_token_id"] = uint32(1)
	kv["tokenizer.add_eos_token"] = true

	m := testModel(t, kv, 3)

	first, err := Generate(m, "hello world", GenerateOptions{MaxTokens: 4})
	if err != nil {
		t.Fatal(err)
	}

	if m.Cache != nil {
		t.Error("Generate() left its cache attached to the model")
	}

	second, err := Generate(m, "hello world", GenerateOptions{MaxTokens: 4})
	if err != nil {
		t.Fatal(err)
	}

	if first != second {
		t.Errorf("greedy generation is not deterministic: %q then %q", first, second)
	}
}

// Decoding token by token through the kv cache must produce the same
// hidden states and logits as one uncached pass over the whole sequence.
func TestCachedDecodeMatchesFull(t *testing.T) {
	m := testModel(t, testKV(), 3)

	enc := []int32{1, 2, 3, 4, 5}
	dec := []int32{0, 11, 12, 13}

	ctx := m.Backend().NewContext()
	batch, err := input.NewBatch(ctx, [][]int32{enc}, [][]int32{dec})
	if err != nil {
		t.Fatal(err)
	}

	batch.Outputs = ctx.Input().FromInts([]int32{int32(len(dec) - 1)}, 1)

	full, err := model.Forward(ctx, m, batch)
	if err != nil {
		t.Fatal(err)
	}

	fullHidden := full.DecoderSequence.Floats()
	fullLogits := full.Logits.Floats()
	ctx.Close()

	cache := kvcache.NewWrapperCache(kvcache.NewCausalCache(), kvcache.NewEncoderCache())
	cache.Init(m.Backend(), ml.DTypeF32, 1, len(dec), 1)
	defer cache.Close()

	m.Cache = cache
	defer func() { m.Cache = nil }()

	for step, token := range dec {
		stepCtx := m.Backend().NewContext()

		stepBatch := input.Batch{
			Inputs:    stepCtx.Input().FromInts([]int32{token}, 1, 1),
			Positions: []int32{int32(step)},
			Sequences: []int{0},
		}

		// the encoder runs on the first step only, as in Generate
		if step == 0 {
			stepBatch.EncoderInputs = stepCtx.Input().FromInts(enc, len(enc), 1)
		}

		if step == len(dec)-1 {
			stepBatch.Outputs = stepCtx.Input().FromInts([]int32{0}, 1)
		}

		out, err := model.Forward(stepCtx, m, stepBatch)
		if err != nil {
			stepCtx.Close()
			t.Fatal(err)
		}

		got := out.DecoderSequence.Floats()
		want := fullHidden[step*m.hiddenSize : (step+1)*m.hiddenSize]
		for i := range got {
			if math.Abs(float64(got[i])-float64(want[i])) > 1e-5 {
				t.Errorf("step %d hidden state %d = %v, full pass has %v", step, i, got[i], want[i])
			}
		}

		if out.Logits != nil {
			logits := out.Logits.Floats()
			for i := range logits {
				if math.Abs(float64(logits[i])-float64(fullLogits[i])) > 1e-5 {
					t.Errorf("step %d logit %d = %v, full pass has %v", step, i, logits[i], fullLogits[i])
				}
			}
		}

		stepCtx.Close()
	}
}
