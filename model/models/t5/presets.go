package t5

import (
	"cmp"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/t5go/t5go/fs"
)

// ErrUnknownPreset is wrapped by GetPreset for names not in the registry.
var ErrUnknownPreset = errors.New("t5: unknown preset")

// Preset is a named configuration bundle. The registry is read only:
// every access returns an independent deep copy.
type Preset struct {
	Name        string
	Description string

	// URL points at the upstream checkpoint the config describes.
	// Weights are not fetched from it; t5go convert is the weight path.
	URL string

	// Digest is the sha256 of the json encoded config. It pins the
	// topology, not the weights.
	Digest string

	Config fs.KV
}

func presetConfig(layers, heads, hidden, ff uint32, gated bool) fs.KV {
	kv := fs.KV{
		"general.architecture":                "t5",
		"t5.block_count":                      layers,
		"t5.attention.head_count":             heads,
		"t5.embedding_length":                 hidden,
		"t5.feed_forward_length":              ff,
		"t5.vocab_size":                       uint32(32128),
		"t5.dropout":                          float32(0.1),
		"t5.activation":                       "relu",
		"t5.gated_ffn":                        false,
		"t5.attention.layer_norm_epsilon":     float32(1e-6),
		"t5.attention.relative_buckets_count": uint32(32),
		"t5.attention.relative_distance_max":  uint32(128),
		"t5.decoder_start_token_id":           uint32(0),
	}

	// the gated presets are the 1.1 lineage, which also unties the
	// output head from the embedding table
	if gated {
		kv["t5.activation"] = "gelu"
		kv["t5.gated_ffn"] = true
		kv["t5.tie_word_embeddings"] = false
	}

	return kv
}

func configDigest(kv fs.KV) string {
	// json marshals map keys in sorted order so the digest is stable
	b, err := json.Marshal(kv)
	if err != nil {
		panic(err)
	}

	return fmt.Sprintf("sha256:%x", sha256.Sum256(b))
}

var presets = func() map[string]Preset {
	list := []Preset{
		{
			Name:        "t5-small",
			Description: "60M parameter T5, ReLU feed forward",
			URL:         "https://huggingface.co/google-t5/t5-small",
			Config:      presetConfig(6, 8, 512, 2048, false),
		},
		{
			Name:        "t5-base",
			Description: "220M parameter T5, ReLU feed forward",
			URL:         "https://huggingface.co/google-t5/t5-base",
			Config:      presetConfig(12, 12, 768, 3072, false),
		},
		{
			Name:        "t5-large",
			Description: "740M parameter T5, ReLU feed forward",
			URL:         "https://huggingface.co/google-t5/t5-large",
			Config:      presetConfig(24, 16, 1024, 4096, false),
		},
		{
			Name:        "flan-t5-base",
			Description: "250M parameter instruction tuned T5, gated GELU feed forward",
			URL:         "https://huggingface.co/google/flan-t5-base",
			Config:      presetConfig(12, 12, 768, 2048, true),
		},
		{
			Name:        "flan-t5-large",
			Description: "780M parameter instruction tuned T5, gated GELU feed forward",
			URL:         "https://huggingface.co/google/flan-t5-large",
			Config:      presetConfig(24, 16, 1024, 2816, true),
		},
	}

	m := make(map[string]Preset, len(list))
	for _, p := range list {
		p.Digest = configDigest(p.Config)
		m[p.Name] = p
	}

	return m
}()

// ParameterCount is the parameter total of the preset's topology,
// matching the general.parameter_count Create records for it.
func (p Preset) ParameterCount() uint64 {
	kv := p.Config

	layers := uint64(kv.Uint("block_count"))
	hidden := uint64(kv.Uint("embedding_length"))
	ff := uint64(kv.Uint("feed_forward_length"))
	vocab := uint64(kv.Uint("vocab_size"))
	heads := uint64(kv.Uint("attention.head_count"))
	buckets := uint64(kv.Uint("attention.relative_buckets_count", 32))

	attn := 4 * hidden * hidden

	encLayer := attn + 2*ff*hidden + 2*hidden
	decLayer := encLayer + attn + hidden
	if kv.Bool("gated_ffn", false) {
		encLayer += ff * hidden
		decLayer += ff * hidden
	}

	total := vocab*hidden + layers*(encLayer+decLayer) + 2*buckets*heads + 2*hidden
	if !kv.Bool("tie_word_embeddings", true) {
		total += vocab * hidden
	}

	return total
}

func clonePreset(p Preset) Preset {
	p.Config = p.Config.Clone()
	return p
}

// Presets returns the registry sorted by name. Each call builds fresh
// deep copies; mutating a returned config never reaches the registry or
// earlier copies.
func Presets() []Preset {
	out := make([]Preset, 0, len(presets))
	for _, p := range presets {
		out = append(out, clonePreset(p))
	}

	slices.SortFunc(out, func(a, b Preset) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return out
}

// GetPreset returns a deep copy of the named preset.
func GetPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}

	return clonePreset(p), nil
}
