package ml

import (
	"context"
	"fmt"
	"strings"

	"github.com/t5go/t5go/fs"
)

// Backend loads a model bundle and serves its weights as tensors.
type Backend interface {
	// Config returns the metadata of the loaded bundle.
	Config() fs.Config

	// Get returns the named weight tensor, or nil if the bundle does not
	// contain it.
	Get(name string) Tensor

	NewContext() Context
	NewContextSize(n int) Context

	Close()
}

// BackendParams controls how a backend runs a model.
type BackendParams struct {
	// NumThreads is the maximum number of goroutines used for tensor math.
	NumThreads int

	// Training keeps dropout active instead of reducing it to identity.
	Training bool

	// Seed seeds dropout masks and weight initialization.
	Seed int64
}

// BackendCacheConfig should be implemented by backends that need special
// output from the cache
type BackendCacheConfig interface {
	CacheConfig() CacheConfig
}

// CacheConfig controls optimizations (padding, mask layout) that the cache
// can use with the backend
type CacheConfig struct {
	// CachePadding specifies the multiple for the batch size dimension in
	// the cache sizes
	CachePadding int

	// MaskDType specifies the data type for generating the mask. If unset it
	// will default to DTypeF32.
	MaskDType DType
}

var backends = make(map[string]func(context.Context, string, BackendParams) (Backend, error))

// RegisterBackend registers a backend as an available option the user can
// select. Names must be unique.
func RegisterBackend(name string, f func(context.Context, string, BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend loads the bundle at path with the default backend.
func NewBackend(ctx context.Context, path string, params BackendParams) (Backend, error) {
	if backend, ok := backends["cpu"]; ok {
		return backend(ctx, path, params)
	}

	return nil, fmt.Errorf("unsupported backend")
}

type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor
	Arange(start, stop, step float32, dtype DType) Tensor

	Forward(...Tensor) Context
	Compute(...Tensor)
	Reserve()

	MaxGraphNodes() int
	Close()

	// Input returns a context appropriate for creating tensors that are
	// inputs to the model (which includes things like output locations)
	Input() Context

	// Layer returns a context appropriate for creating intermediate tensors
	Layer(int) Context
}

type Tensor interface {
	Dim(n int) int
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32

	Neg(ctx Context) Tensor
	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Div(ctx Context, t2 Tensor) Tensor

	Mulmat(ctx Context, t2 Tensor) Tensor
	MulmatFullPrec(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor
	Mean(ctx Context) Tensor

	Tanh(ctx Context) Tensor
	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor
	RELU(ctx Context) Tensor

	// Dropout zeros each element with probability p and scales the
	// survivors by 1/(1-p). It reduces to identity when the backend is not
	// training.
	Dropout(ctx Context, p float32) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	View(ctx Context, offset int, shape ...int) Tensor
	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor
	Cast(ctx Context, dtype DType) Tensor

	Pad(ctx Context, shape ...int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Rows(ctx Context, t2 Tensor) Tensor
	SetRows(ctx Context, t2 Tensor, indices Tensor) Tensor
	Copy(ctx Context, t2 Tensor) Tensor
	Duplicate(ctx Context) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 |
		~complex64 | ~complex128
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float32 and float64.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32, DTypeF16:
		return dump(t, t.Floats(), opts[0])
	case DTypeI32:
		f32s := t.Floats()
		i32s := make([]int32, len(f32s))
		for i, f := range f32s {
			i32s[i] = int32(f)
		}

		return dump(t, i32s, opts[0])
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](t Tensor, s S, opts DumpOptions) string {
	if s == nil {
		return "<nil>"
	}

	shape := t.Shape()

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(dims[1:], skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, s[stride+i])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeI32
	DTypeOther
)
