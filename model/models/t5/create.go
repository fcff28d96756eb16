package t5

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/t5go/t5go/fs"
	"github.com/t5go/t5go/fs/safetensors"
)

// truncatedNormal fills data from a zero mean normal distribution with
// the given standard deviation, resampling anything beyond two standard
// deviations.
func truncatedNormal(data []float32, src rand.Source, stddev float64) {
	dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: src}
	for i := range data {
		for {
			v := dist.Rand()
			if math.Abs(v) <= 2*stddev {
				data[i] = float32(v)
				break
			}
		}
	}
}

// Create writes a randomly initialized bundle for the topology described
// by kv into dir: config.json plus model.safetensors. The same kv and
// seed always produce the same bundle. The embedding table is truncated
// normal with standard deviation 1, projections scale with 1/sqrt of
// their fan in, and norm weights start at one.
func Create(dir string, kv fs.KV, seed int64) error {
	opts, err := newOptions(kv)
	if err != nil {
		return err
	}

	src := rand.NewSource(uint64(seed))

	hidden := uint64(opts.hiddenSize)
	ff := uint64(opts.intermediateSize)
	vocab := uint64(opts.vocabSize)
	heads := uint64(opts.numHeads)
	buckets := uint64(opts.relativeBuckets)

	var tensors []safetensors.Tensor
	var params uint64

	addNormal := func(name string, shape []uint64, stddev float64) {
		n := uint64(1)
		for _, d := range shape {
			n *= d
		}

		data := make([]float32, n)
		truncatedNormal(data, src, stddev)
		tensors = append(tensors, safetensors.F32(name, shape, data))
		params += n
	}

	addOnes := func(name string, shape []uint64) {
		n := uint64(1)
		for _, d := range shape {
			n *= d
		}

		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}

		tensors = append(tensors, safetensors.F32(name, shape, data))
		params += n
	}

	attnStddev := 1 / math.Sqrt(float64(opts.hiddenSize))

	addNormal("token_embd.weight", []uint64{vocab, hidden}, 1.0)

	for _, stack := range []string{"enc", "dec"} {
		for i := range opts.numLayers {
			prefix := fmt.Sprintf("%s.blk.%d.", stack, i)

			addOnes(prefix+"attn_norm.weight", []uint64{hidden})
			addNormal(prefix+"attn_q.weight", []uint64{hidden, hidden}, attnStddev)
			addNormal(prefix+"attn_k.weight", []uint64{hidden, hidden}, attnStddev)
			addNormal(prefix+"attn_v.weight", []uint64{hidden, hidden}, attnStddev)
			addNormal(prefix+"attn_output.weight", []uint64{hidden, hidden}, attnStddev)

			if i == 0 {
				addNormal(prefix+"attn_rel_b.weight", []uint64{buckets, heads}, attnStddev)
			}

			if stack == "dec" {
				addOnes(prefix+"cross_attn_norm.weight", []uint64{hidden})
				addNormal(prefix+"cross_attn_q.weight", []uint64{hidden, hidden}, attnStddev)
				addNormal(prefix+"cross_attn_k.weight", []uint64{hidden, hidden}, attnStddev)
				addNormal(prefix+"cross_attn_v.weight", []uint64{hidden, hidden}, attnStddev)
				addNormal(prefix+"cross_attn_output.weight", []uint64{hidden, hidden}, attnStddev)
			}

			addOnes(prefix+"ffn_norm.weight", []uint64{hidden})
			addNormal(prefix+"ffn_up.weight", []uint64{ff, hidden}, attnStddev)
			if opts.gatedFFN {
				addNormal(prefix+"ffn_gate.weight", []uint64{ff, hidden}, attnStddev)
			}
			addNormal(prefix+"ffn_down.weight", []uint64{hidden, ff}, 1/math.Sqrt(float64(opts.intermediateSize)))
		}

		addOnes(stack+".output_norm.weight", []uint64{hidden})
	}

	// a separate output head unties the projection from the embedding
	// table, so the loader applies no logit scale to it
	if !kv.Bool("tie_word_embeddings", true) {
		addNormal("output.weight", []uint64{vocab, hidden}, attnStddev)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	config := kv.Clone()
	if _, ok := config["general.architecture"]; !ok {
		config["general.architecture"] = "t5"
	}
	config["general.parameter_count"] = params

	cf, err := os.Create(filepath.Join(dir, "config.json"))
	if err != nil {
		return err
	}
	defer cf.Close()

	enc := json.NewEncoder(cf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(config); err != nil {
		return err
	}

	sf, err := os.Create(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		return err
	}
	defer sf.Close()

	if err := safetensors.Encode(sf, tensors); err != nil {
		return err
	}

	return sf.Close()
}
