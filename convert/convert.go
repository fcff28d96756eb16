// Package convert turns pretrained T5 family checkpoints into bundles the
// model package can load. A checkpoint directory holds config.json,
// tokenizer.json, and weights in safetensors or torch format; the bundle
// that comes out holds config.json and a single model.safetensors with
// canonical tensor names.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	t5fs "github.com/t5go/t5go/fs"
	"github.com/t5go/t5go/fs/safetensors"
)

// ConvertModel reads a checkpoint out of fsys and writes the equivalent
// bundle into dir. Weights are re-encoded as float32 and renamed; the
// vocabulary and hyperparameters land in the bundle config.
func ConvertModel(fsys fs.FS, dir string) error {
	bts, err := fs.ReadFile(fsys, "config.json")
	if err != nil {
		return err
	}

	var p t5Params
	if err := json.Unmarshal(bts, &p); err != nil {
		return err
	}

	if len(p.Architectures) < 1 {
		return errors.New("convert: no architecture in config.json")
	}

	switch arch := p.Architectures[0]; arch {
	case "T5ForConditionalGeneration", "T5Model", "MT5ForConditionalGeneration":
	default:
		return fmt.Errorf("convert: unsupported architecture %q", arch)
	}

	if err := p.validate(); err != nil {
		return err
	}

	v, err := parseVocabulary(fsys)
	if err != nil {
		return err
	}

	vocabSize := int(p.VocabSize)
	switch {
	case vocabSize > len(v.Tokens):
		slog.Warn("vocabulary is smaller than expected, padding with dummy tokens", "expect", vocabSize, "actual", len(v.Tokens))
		for i := range vocabSize - len(v.Tokens) {
			v.Tokens = append(v.Tokens, fmt.Sprintf("[PAD%d]", i))
			v.Scores = append(v.Scores, -1)
			v.Types = append(v.Types, tokenTypeUserDefined)
		}
	case vocabSize < len(v.Tokens):
		return fmt.Errorf("convert: vocabulary is larger than expected '%d' instead of '%d'", len(v.Tokens), vocabSize)
	default:
		slog.Debug("vocabulary", "size", len(v.Tokens))
	}

	ts, err := parseTensors(fsys, strings.NewReplacer(p.Replacements()...))
	if err != nil {
		return err
	}

	ts, err = p.Tensors(ts)
	if err != nil {
		return err
	}

	return writeBundle(dir, p.KV(v), ts)
}

// writeBundle decodes every tensor and writes the bundle files. The whole
// model is staged in memory, which keeps the writer simple at the cost of
// the checkpoint's float32 footprint.
func writeBundle(dir string, kv t5fs.KV, ts []Tensor) error {
	datas := make([][]float32, len(ts))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, t := range ts {
		g.Go(func() error {
			f32s, err := t.Floats()
			if err != nil {
				return err
			}

			if n := elements(t.Shape()); uint64(len(f32s)) != n {
				return fmt.Errorf("convert: tensor %q has %d elements, want %d", t.Name(), len(f32s), n)
			}

			datas[i] = f32s
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var params uint64
	sts := make([]safetensors.Tensor, len(ts))
	for i, t := range ts {
		params += elements(t.Shape())
		sts[i] = safetensors.F32(t.Name(), t.Shape(), datas[i])
	}

	kv["general.parameter_count"] = params

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	cf, err := os.Create(filepath.Join(dir, "config.json"))
	if err != nil {
		return err
	}
	defer cf.Close()

	enc := json.NewEncoder(cf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(kv); err != nil {
		return err
	}

	sf, err := os.Create(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		return err
	}
	defer sf.Close()

	if err := safetensors.Encode(sf, sts); err != nil {
		return err
	}

	return sf.Close()
}
