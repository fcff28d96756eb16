// Package cpu is a pure Go backend. Tensor operations execute eagerly on
// the CPU, sharded across goroutines.
package cpu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/exp/rand"

	"github.com/t5go/t5go/format"
	"github.com/t5go/t5go/fs"
	"github.com/t5go/t5go/fs/safetensors"
	"github.com/t5go/t5go/ml"
)

// maxGraphNodes is reported to callers that size their batches by graph
// capacity. Execution is eager so it does not bound anything here.
const maxGraphNodes = 8192

type Backend struct {
	kv      fs.KV
	tensors map[string]*Tensor

	threads  int
	training bool

	mu  sync.Mutex
	rng *rand.Rand
}

var _ ml.Backend = (*Backend)(nil)

func init() {
	ml.RegisterBackend("cpu", New)
}

// New loads the bundle directory at path: config.json holds the metadata
// and model.safetensors the weights.
func New(ctx context.Context, path string, params ml.BackendParams) (ml.Backend, error) {
	cf, err := os.Open(filepath.Join(path, "config.json"))
	if err != nil {
		return nil, err
	}
	defer cf.Close()

	var kv fs.KV
	if err := json.NewDecoder(cf).Decode(&kv); err != nil {
		return nil, fmt.Errorf("decode config.json: %w", err)
	}

	sf, err := os.Open(filepath.Join(path, "model.safetensors"))
	if err != nil {
		return nil, err
	}
	defer sf.Close()

	f, err := safetensors.Decode(sf)
	if err != nil {
		return nil, fmt.Errorf("decode model.safetensors: %w", err)
	}

	b := &Backend{
		kv:       kv,
		tensors:  make(map[string]*Tensor),
		threads:  params.NumThreads,
		training: params.Training,
		rng:      rand.New(rand.NewSource(uint64(params.Seed))),
	}

	if b.threads <= 0 {
		b.threads = runtime.NumCPU()
	}

	var parameters uint64
	for _, name := range f.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ti, _ := f.Info(name)
		f32s, err := f.Float32s(name)
		if err != nil {
			return nil, fmt.Errorf("load tensor %q: %w", name, err)
		}

		// the on disk shape lists the outermost dimension first so it is
		// reversed here
		shape := make([]int, len(ti.Shape))
		for i, d := range ti.Shape {
			shape[len(shape)-1-i] = int(d)
		}

		b.tensors[name] = &Tensor{b: b, name: name, dtype: ml.DTypeF32, shape: shape, data: f32s}
		parameters += ti.Elements()
	}

	slog.Info("loaded model bundle",
		"architecture", kv.Architecture(),
		"tensors", len(b.tensors),
		"parameters", format.HumanNumber(parameters),
		"threads", b.threads)

	return b, nil
}

func (b *Backend) Config() fs.Config {
	return b.kv
}

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.tensors[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) NewContext() ml.Context {
	return Context{b: b}
}

func (b *Backend) NewContextSize(int) ml.Context {
	return Context{b: b}
}

func (b *Backend) Close() {}

type Context struct {
	b *Backend
}

var _ ml.Context = Context{}

func (c Context) newTensor(dtype ml.DType, shape []int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Errorf("cpu: invalid dimension %v in shape %v", d, shape))
		}

		n *= d
	}

	return &Tensor{b: c.b, dtype: dtype, shape: slices.Clone(shape), data: make([]float32, n)}
}

func (c Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.newTensor(dtype, shape)
}

func (c Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeF32, shape)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("cpu: incorrect size for shape %v: %v", shape, len(s)))
	}

	copy(t.data, s)
	return t
}

func (c Context) FromInts(s []int32, shape ...int) ml.Tensor {
	t := c.newTensor(ml.DTypeI32, shape)
	if len(s) != len(t.data) {
		panic(fmt.Errorf("cpu: incorrect size for shape %v: %v", shape, len(s)))
	}

	for i, v := range s {
		t.data[i] = float32(v)
	}

	return t
}

func (c Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step == 0 {
		panic("cpu: arange step must not be zero")
	}

	var values []float32
	for v := start; v < stop; v += step {
		values = append(values, v)
	}

	t := c.newTensor(dtype, []int{len(values)})
	copy(t.data, values)
	return t
}

// Forward is a no-op: operations have already run by the time they are
// rooted in the graph.
func (c Context) Forward(...ml.Tensor) ml.Context {
	return c
}

func (c Context) Compute(...ml.Tensor) {}

func (c Context) Reserve() {}

func (c Context) MaxGraphNodes() int {
	return maxGraphNodes
}

func (c Context) Input() ml.Context {
	return c
}

func (c Context) Layer(int) ml.Context {
	return c
}

func (c Context) Close() {}
