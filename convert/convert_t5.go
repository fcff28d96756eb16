package convert

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	t5fs "github.com/t5go/t5go/fs"
)

type t5Params struct {
	Architectures       []string `json:"architectures"`
	VocabSize           uint32   `json:"vocab_size"`
	HiddenSize          uint32   `json:"d_model"`
	HeadDim             uint32   `json:"d_kv"`
	IntermediateSize    uint32   `json:"d_ff"`
	BlockCount          uint32   `json:"num_layers"`
	DecoderBlockCount   *uint32  `json:"num_decoder_layers"`
	HeadCount           uint32   `json:"num_heads"`
	RelativeBuckets     uint32   `json:"relative_attention_num_buckets"`
	RelativeDistanceMax uint32   `json:"relative_attention_max_distance"`
	DropoutRate         *float32 `json:"dropout_rate"`
	LayerNormEPS        *float32 `json:"layer_norm_epsilon"`
	FeedForwardProj     string   `json:"feed_forward_proj"`
	IsGatedAct          *bool    `json:"is_gated_act"`
	TieWordEmbeddings   *bool    `json:"tie_word_embeddings"`
	DecoderStartTokenID *int32   `json:"decoder_start_token_id"`
	EOSTokenID          *int32   `json:"eos_token_id"`
}

// tied reports whether the embedding table doubles as the output head.
// Absent from config.json means tied, matching the pretraining default.
func (p *t5Params) tied() bool {
	if p.TieWordEmbeddings != nil {
		return *p.TieWordEmbeddings
	}

	return true
}

func (p *t5Params) gated() bool {
	if p.IsGatedAct != nil {
		return *p.IsGatedAct
	}

	return strings.HasPrefix(p.FeedForwardProj, "gated-")
}

// activation maps feed_forward_proj onto a kernel name. The gated- prefix
// only selects the feed forward wiring, and the gelu variants collapse to
// one tanh approximation. Unsupported projections come back empty.
func (p *t5Params) activation() string {
	switch act := strings.TrimPrefix(p.FeedForwardProj, "gated-"); {
	case act == "" || act == "relu":
		return "relu"
	case strings.HasPrefix(act, "gelu"):
		return "gelu"
	}

	return ""
}

func (p *t5Params) dropout() float32 {
	if p.DropoutRate != nil {
		return *p.DropoutRate
	}

	return 0.1
}

func (p *t5Params) epsilon() float32 {
	if p.LayerNormEPS != nil {
		return *p.LayerNormEPS
	}

	return 1e-6
}

func (p *t5Params) eosTokenID() int32 {
	if p.EOSTokenID != nil {
		return *p.EOSTokenID
	}

	return 1
}

func (p *t5Params) decoderStartTokenID() int32 {
	if p.DecoderStartTokenID != nil {
		return *p.DecoderStartTokenID
	}

	return 0
}

func (p *t5Params) validate() error {
	if p.HeadDim != 0 && p.HeadDim*p.HeadCount != p.HiddenSize {
		return fmt.Errorf("convert: d_kv %d times num_heads %d must equal d_model %d", p.HeadDim, p.HeadCount, p.HiddenSize)
	}

	if p.DecoderBlockCount != nil && *p.DecoderBlockCount != p.BlockCount {
		return fmt.Errorf("convert: num_decoder_layers %d differs from num_layers %d, asymmetric stacks are not supported", *p.DecoderBlockCount, p.BlockCount)
	}

	if p.activation() == "" {
		return fmt.Errorf("convert: unsupported feed_forward_proj %q", p.FeedForwardProj)
	}

	return nil
}

func (p *t5Params) KV(v *Vocabulary) t5fs.KV {
	kv := t5fs.KV{
		"general.architecture": "t5",

		"t5.block_count":         p.BlockCount,
		"t5.embedding_length":    p.HiddenSize,
		"t5.feed_forward_length": p.IntermediateSize,
		"t5.vocab_size":          p.VocabSize,

		"t5.attention.head_count":             p.HeadCount,
		"t5.attention.layer_norm_epsilon":     p.epsilon(),
		"t5.attention.relative_buckets_count": cmp.Or(p.RelativeBuckets, 32),
		"t5.attention.relative_distance_max":  cmp.Or(p.RelativeDistanceMax, 128),

		"t5.dropout":             p.dropout(),
		"t5.activation":          p.activation(),
		"t5.gated_ffn":           p.gated(),
		"t5.tie_word_embeddings": p.tied(),

		"t5.decoder_start_token_id": p.decoderStartTokenID(),

		"tokenizer.tokens":     v.Tokens,
		"tokenizer.scores":     v.Scores,
		"tokenizer.token_type": v.Types,

		"tokenizer.eos_token_id":  p.eosTokenID(),
		"tokenizer.add_eos_token": true,

		"tokenizer.add_space_prefix":         true,
		"tokenizer.remove_extra_whitespaces": false,
	}

	if len(v.PrecompiledCharsmap) > 0 {
		kv["tokenizer.precompiled_charsmap"] = v.PrecompiledCharsmap
	}

	return kv
}

func (p *t5Params) Replacements() []string {
	return []string{
		"encoder.final_layer_norm", "enc.output_norm",
		"decoder.final_layer_norm", "dec.output_norm",
		"encoder.block", "enc.blk",
		"decoder.block", "dec.blk",
		"shared", "token_embd",
		"lm_head", "output",

		"layer.0.SelfAttention.relative_attention_bias", "attn_rel_b",
		"layer.0.SelfAttention.q", "attn_q",
		"layer.0.SelfAttention.k", "attn_k",
		"layer.0.SelfAttention.v", "attn_v",
		"layer.0.SelfAttention.o", "attn_output",
		"layer.0.layer_norm", "attn_norm",

		"layer.1.EncDecAttention.q", "cross_attn_q",
		"layer.1.EncDecAttention.k", "cross_attn_k",
		"layer.1.EncDecAttention.v", "cross_attn_v",
		"layer.1.EncDecAttention.o", "cross_attn_output",

		"layer.1.DenseReluDense.wi_0", "ffn_gate",
		"layer.1.DenseReluDense.wi_1", "ffn_up",
		"layer.1.DenseReluDense.wi", "ffn_up",
		"layer.1.DenseReluDense.wo", "ffn_down",
		"layer.2.DenseReluDense.wi_0", "ffn_gate",
		"layer.2.DenseReluDense.wi_1", "ffn_up",
		"layer.2.DenseReluDense.wi", "ffn_up",
		"layer.2.DenseReluDense.wo", "ffn_down",
		"layer.2.layer_norm", "ffn_norm",
	}
}

// Tensors filters and finishes the renamed tensor list. Embedding table
// duplicates and the unused cross attention bias are dropped, the per stack
// norm that the replacer cannot disambiguate is renamed here, and the result
// is checked against the exact set the topology calls for.
func (p *t5Params) Tensors(ts []Tensor) ([]Tensor, error) {
	want := p.expected()

	var out []Tensor
	for _, t := range ts {
		name := t.Name()

		switch {
		case strings.HasSuffix(name, ".embed_tokens.weight"):
			// per stack copies of token_embd
			slog.Debug("skipping tensor", "name", name)
			continue
		case strings.Contains(name, "EncDecAttention.relative_attention_bias"):
			// cross attention never applies a position bias
			slog.Debug("skipping tensor", "name", name)
			continue
		case name == "output.weight" && p.tied():
			// the loader ties the output head to the embedding table;
			// writing the copy would untie it
			slog.Debug("skipping tensor", "name", name)
			continue
		}

		// layer.1.layer_norm is the feed forward norm in the encoder but
		// the cross attention norm in the decoder
		if strings.HasSuffix(name, ".layer.1.layer_norm.weight") {
			repl := "cross_attn_norm"
			if strings.HasPrefix(name, "enc.") {
				repl = "ffn_norm"
			}

			name = strings.Replace(name, "layer.1.layer_norm", repl, 1)
			t.Rename(name)
		}

		if _, ok := want[name]; !ok {
			return nil, fmt.Errorf("convert: unexpected tensor %q", name)
		}

		delete(want, name)
		out = append(out, t)
	}

	if len(want) > 0 {
		missing := slices.Sorted(maps.Keys(want))
		return nil, fmt.Errorf("convert: missing tensors: %s", strings.Join(missing, ", "))
	}

	return out, nil
}

// expected lists every canonical tensor name for the configured topology.
func (p *t5Params) expected() map[string]struct{} {
	want := make(map[string]struct{})
	add := func(name string) { want[name] = struct{}{} }

	add("token_embd.weight")
	if !p.tied() {
		add("output.weight")
	}

	for _, stack := range []string{"enc", "dec"} {
		add(stack + ".output_norm.weight")

		for i := range int(p.BlockCount) {
			prefix := fmt.Sprintf("%s.blk.%d.", stack, i)

			add(prefix + "attn_norm.weight")
			add(prefix + "attn_q.weight")
			add(prefix + "attn_k.weight")
			add(prefix + "attn_v.weight")
			add(prefix + "attn_output.weight")

			if i == 0 {
				add(prefix + "attn_rel_b.weight")
			}

			if stack == "dec" {
				add(prefix + "cross_attn_norm.weight")
				add(prefix + "cross_attn_q.weight")
				add(prefix + "cross_attn_k.weight")
				add(prefix + "cross_attn_v.weight")
				add(prefix + "cross_attn_output.weight")
			}

			add(prefix + "ffn_norm.weight")
			add(prefix + "ffn_up.weight")
			if p.gated() {
				add(prefix + "ffn_gate.weight")
			}
			add(prefix + "ffn_down.weight")
		}
	}

	return want
}
