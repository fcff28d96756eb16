package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/t5go/t5go/fs"
	"github.com/t5go/t5go/kvcache"
	"github.com/t5go/t5go/ml"
	_ "github.com/t5go/t5go/ml/backend"
	"github.com/t5go/t5go/model/input"
	"github.com/t5go/t5go/tokenizer"
)

// Model implements a specific model architecture, defining the forward pass and any model-specific configuration
type Model interface {
	Forward(ml.Context, input.Batch) (*Output, error)

	Backend() ml.Backend
	Config() config
}

// EncoderDecoder is implemented by sequence to sequence models that can
// run their encoder stack on its own.
type EncoderDecoder interface {
	Model

	EncodeSequence(ml.Context, input.Batch) (ml.Tensor, error)
}

// Names for the entries of Output.Named.
const (
	OutputNameEncoderSequence = "encoder_sequence_output"
	OutputNameDecoderSequence = "decoder_sequence_output"
	OutputNameLogits          = "logits"
)

// Output is the set of tensors produced by a forward pass.
type Output struct {
	// EncoderSequence is the final encoder hidden state, shape
	// [hidden, encoder_len, batch]
	EncoderSequence ml.Tensor

	// DecoderSequence is the final decoder hidden state, shape
	// [hidden, decoder_len, batch]
	DecoderSequence ml.Tensor

	// Logits is the vocabulary projection of the decoder outputs selected
	// by batch.Outputs, nil when the model has no output head
	Logits ml.Tensor
}

// Tensors returns the non-nil tensors of the output in a fixed order
func (o *Output) Tensors() []ml.Tensor {
	var tensors []ml.Tensor
	for _, t := range []ml.Tensor{o.EncoderSequence, o.DecoderSequence, o.Logits} {
		if t != nil {
			tensors = append(tensors, t)
		}
	}

	return tensors
}

// Named returns the non-nil tensors of the output keyed by name.
func (o *Output) Named() map[string]ml.Tensor {
	named := make(map[string]ml.Tensor, 3)
	if o.EncoderSequence != nil {
		named[OutputNameEncoderSequence] = o.EncoderSequence
	}

	if o.DecoderSequence != nil {
		named[OutputNameDecoderSequence] = o.DecoderSequence
	}

	if o.Logits != nil {
		named[OutputNameLogits] = o.Logits
	}

	return named
}

// Base implements the common fields and methods for all models
type Base struct {
	b ml.Backend
	config
}

type config struct {
	Cache kvcache.Cache
}

// Backend returns the underlying backend that will run the model
func (m *Base) Backend() ml.Backend {
	return m.b
}

func (m *Base) Config() config {
	return m.config
}

var models = make(map[string]func(fs.Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New initializes a new model instance with the provided configuration based on the metadata in the model bundle
func New(ctx context.Context, modelPath string, params ml.BackendParams) (Model, error) {
	b, err := ml.NewBackend(ctx, modelPath, params)
	if err != nil {
		return nil, err
	}

	arch := b.Config().Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}

	m, err := f(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b, config: m.Config()}

	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))
	return m, nil
}

// NewTextProcessor builds the tokenizer for the model bundle in directory s
// without loading its tensors.
func NewTextProcessor(s string) (tokenizer.TextProcessor, error) {
	r, err := os.Open(filepath.Join(s, "config.json"))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var kv fs.KV
	if err := json.NewDecoder(r).Decode(&kv); err != nil {
		return nil, err
	}

	return getTextProcessor(kv)
}

func getTextProcessor(kv fs.KV) (tokenizer.TextProcessor, error) {
	arch := kv.Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("unsupported model architecture %q", arch)
	}
	m, err := f(kv)
	if err != nil {
		return nil, err
	}
	tp, ok := m.(tokenizer.TextProcessor)
	if !ok {
		return nil, fmt.Errorf("%v is not a TextProcessor", m)
	}
	return tp, nil
}

func populateFields(base Base, v reflect.Value, tags ...Tag) reflect.Value {
	t := v.Type()

	if t.Kind() == reflect.Struct {
		allNil := true
		for i := range t.NumField() {
			tt := t.Field(i).Type
			vv := v.Field(i)
			if !vv.CanSet() {
				continue
			}

			// make a copy
			tagsCopy := tags
			if tag := t.Field(i).Tag.Get("tensor"); tag != "" {
				tagsCopy = append(tagsCopy, ParseTags(tag))
			}

			if tt == reflect.TypeOf((*Base)(nil)).Elem() {
				vv.Set(reflect.ValueOf(base))
			} else if tt == reflect.TypeOf((*ml.Tensor)(nil)).Elem() {
				var fn func([]Tag) [][]string
				fn = func(tags []Tag) (values [][]string) {
					if len(tags) < 1 {
						return nil
					}

					values = [][]string{{tags[0].Name}}
					for _, alt := range tags[0].Alternate {
						values = append(values, []string{alt})
					}

					for i, value := range values {
						for _, rest := range fn(tags[1:]) {
							value = append(value, rest...)
						}

						values[i] = value
					}

					return values
				}

				names := fn(tagsCopy)
				for _, name := range names {
					if tensor := base.Backend().Get(strings.Join(name, ".")); tensor != nil {
						slog.Debug("found tensor", "", tensor)
						vv.Set(reflect.ValueOf(tensor))
						break
					}
				}
			} else if tt.Kind() == reflect.Pointer || tt.Kind() == reflect.Interface {
				setPointer(base, vv, tagsCopy)
			} else if tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
				for i := range vv.Len() {
					vvv := vv.Index(i)
					if vvv.Kind() == reflect.Pointer || vvv.Kind() == reflect.Interface {
						setPointer(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)}))
					} else {
						vvv.Set(populateFields(base, vvv, append(tagsCopy, Tag{Name: strconv.Itoa(i)})...))
					}
				}
			}

			if !canNil(tt) || !vv.IsNil() {
				allNil = false
			}
		}

		if allNil {
			return reflect.Zero(t)
		}
	}

	return v
}

func setPointer(base Base, v reflect.Value, tags []Tag) {
	vv := v
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}

		vv = vv.Elem()
	}

	vv = vv.Elem()
	if v.IsNil() {
		vv = reflect.New(v.Type().Elem()).Elem()
	}

	if f := populateFields(base, vv, tags...); f.CanAddr() {
		v.Set(f.Addr())
	}
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}

func canNil(t reflect.Type) bool {
	return t.Kind() == reflect.Chan ||
		t.Kind() == reflect.Func ||
		t.Kind() == reflect.Interface ||
		t.Kind() == reflect.Map ||
		t.Kind() == reflect.Pointer ||
		t.Kind() == reflect.Slice
}

// Forward runs one forward pass over batch: it hands the batch to the
// cache when one is configured, calls the model and computes the graph.
func Forward(ctx ml.Context, m Model, batch input.Batch) (*Output, error) {
	if len(batch.Positions) != len(batch.Sequences) {
		return nil, fmt.Errorf("length of positions (%v) must match length of seqs (%v)", len(batch.Positions), len(batch.Sequences))
	}

	if len(batch.Positions) < 1 {
		return nil, errors.New("batch size cannot be less than 1")
	}

	cache := m.Config().Cache
	if cache != nil {
		err := cache.StartForward(ctx, batch, false)
		if err != nil {
			return nil, err
		}
	}

	out, err := m.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}

	tensors := out.Tensors()
	if len(tensors) > 0 {
		ctx.Forward(tensors...).Compute(tensors...)
	}

	return out, nil
}

// Encode runs the encoder stack of m over batch and computes the result.
func Encode(ctx ml.Context, m EncoderDecoder, batch input.Batch) (ml.Tensor, error) {
	t, err := m.EncodeSequence(ctx, batch)
	if err != nil {
		return nil, err
	}

	ctx.Forward(t).Compute(t)
	return t, nil
}
