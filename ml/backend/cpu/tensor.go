package cpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/x448/float16"

	"github.com/t5go/t5go/ml"
)

// Tensor is a dense tensor. Dimension 0 is the innermost, contiguous one.
// Values are held as float32 regardless of dtype; views created by View,
// Reshape, and SetRows share the backing slice of their parent.
type Tensor struct {
	b      *Backend
	name   string
	dtype  ml.DType
	shape  []int
	data   []float32
	offset int
}

var _ ml.Tensor = (*Tensor)(nil)

func (t *Tensor) SetName(name string) {
	t.name = name
}

func (t *Tensor) numel() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}

	return n
}

func (t *Tensor) elems() []float32 {
	return t.data[t.offset : t.offset+t.numel()]
}

// dims4 returns the shape padded to 4 dimensions.
func (t *Tensor) dims4() [4]int {
	d := [4]int{1, 1, 1, 1}
	copy(d[:], t.shape)
	return d
}

func dtypeSize(dtype ml.DType) int {
	if dtype == ml.DTypeF16 {
		return 2
	}

	return 4
}

func (t *Tensor) Dim(n int) int {
	if n >= len(t.shape) {
		return 1
	}

	return t.shape[n]
}

// Stride returns the distance in bytes between consecutive elements along
// dimension n.
func (t *Tensor) Stride(n int) int {
	stride := dtypeSize(t.dtype)
	for i := 0; i < n && i < len(t.shape); i++ {
		stride *= t.shape[i]
	}

	return stride
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Bytes() []byte {
	var b bytes.Buffer
	for _, v := range t.elems() {
		switch t.dtype {
		case ml.DTypeF16:
			binary.Write(&b, binary.LittleEndian, float16.Fromfloat32(v).Bits())
		case ml.DTypeI32:
			binary.Write(&b, binary.LittleEndian, int32(v))
		default:
			binary.Write(&b, binary.LittleEndian, v)
		}
	}

	return b.Bytes()
}

func (t *Tensor) Floats() []float32 {
	return slices.Clone(t.elems())
}

func (t *Tensor) clone() *Tensor {
	return &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(t.shape), data: slices.Clone(t.elems())}
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}

	if n != t.numel() {
		panic(fmt.Errorf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	return &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(shape), data: t.data, offset: t.offset}
}

// View slices the tensor at a byte offset. Arguments alternate dimension
// sizes and byte strides; only views that remain contiguous are supported.
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	size := dtypeSize(t.dtype)
	if offset%size != 0 {
		panic(fmt.Errorf("cpu: view offset %v is not a multiple of the element size", offset))
	}

	dims := []int{shape[0]}
	stride := size * shape[0]
	for i := 1; i < len(shape); i += 2 {
		if shape[i] != stride {
			panic(fmt.Errorf("cpu: unsupported non-contiguous view (stride %v, expected %v)", shape[i], stride))
		}

		dims = append(dims, shape[i+1])
		stride *= shape[i+1]
	}

	out := &Tensor{b: t.b, dtype: t.dtype, shape: dims, data: t.data, offset: t.offset + offset/size}
	if out.offset+out.numel() > len(t.data) {
		panic(fmt.Errorf("cpu: view of shape %v at offset %v overflows tensor of shape %v", dims, offset, t.shape))
	}

	return out
}

// Permute moves dimension i of the tensor to position order[i] and
// materializes the result.
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != 4 {
		panic("cpu: permute requires 4 dimensions")
	}

	src := t.dims4()

	var dst [4]int
	var seen [4]bool
	for i, o := range order {
		if o < 0 || o > 3 || seen[o] {
			panic(fmt.Errorf("cpu: invalid permutation %v", order))
		}

		seen[o] = true
		dst[o] = src[i]
	}

	out := t.newLike(dst[:])

	var srcStride, dstStride [4]int
	srcStride[0], dstStride[0] = 1, 1
	for i := 1; i < 4; i++ {
		srcStride[i] = srcStride[i-1] * src[i-1]
		dstStride[i] = dstStride[i-1] * dst[i-1]
	}

	s, o := t.elems(), out.elems()
	for i3 := range src[3] {
		for i2 := range src[2] {
			for i1 := range src[1] {
				for i0 := range src[0] {
					di := i0*dstStride[order[0]] + i1*dstStride[order[1]] + i2*dstStride[order[2]] + i3*dstStride[order[3]]
					o[di] = s[i0+i1*srcStride[1]+i2*srcStride[2]+i3*srcStride[3]]
				}
			}
		}
	}

	// drop padded trailing dimensions
	shape := dst[:]
	for len(shape) > len(t.shape) && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}
	out.shape = slices.Clone(shape)

	return out
}

// Contiguous is a no-op: Permute already materializes its result.
func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := t.clone()
	out.dtype = dtype
	if dtype == ml.DTypeF16 {
		for i, v := range out.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	}

	return out
}

// Pad appends zeros at the end of each dimension.
func (t *Tensor) Pad(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != 4 {
		panic("cpu: pad requires 4 dimensions")
	}

	src := t.dims4()

	var dst [4]int
	for i := range dst {
		if shape[i] < 0 {
			panic(fmt.Errorf("cpu: invalid padding %v", shape))
		}

		dst[i] = src[i] + shape[i]
	}

	out := t.newLike(dst[:])

	s, o := t.elems(), out.elems()
	for i3 := range src[3] {
		for i2 := range src[2] {
			for i1 := range src[1] {
				si := ((i3*src[2]+i2)*src[1] + i1) * src[0]
				di := ((i3*dst[2]+i2)*dst[1] + i1) * dst[0]
				copy(o[di:di+src[0]], s[si:si+src[0]])
			}
		}
	}

	return out
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)
	if dim < 0 || dim > 3 {
		panic(fmt.Errorf("cpu: invalid concat dimension %v", dim))
	}

	a, b := t.dims4(), u.dims4()
	for i := range a {
		if i != dim && a[i] != b[i] {
			panic(fmt.Errorf("cpu: cannot concat %v and %v along dimension %v", t.shape, u.shape, dim))
		}
	}

	var dst [4]int
	copy(dst[:], a[:])
	dst[dim] = a[dim] + b[dim]

	out := t.newLike(dst[:])

	s1, s2, o := t.elems(), u.elems(), out.elems()
	var stride1, stride2, strideOut int = 1, 1, 1
	for i := 0; i <= dim; i++ {
		stride1 *= a[i]
		stride2 *= b[i]
		strideOut *= dst[i]
	}

	outer := out.numel() / strideOut
	for i := range outer {
		copy(o[i*strideOut:], s1[i*stride1:(i+1)*stride1])
		copy(o[i*strideOut+stride1:], s2[i*stride2:(i+1)*stride2])
	}

	return out
}

// Rows gathers rows of t by the integer indices in t2. Rows are along
// dimension 1; higher dimensions of the indices broadcast over matching
// slices of t.
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)

	d0, rows := t.Dim(0), t.Dim(1)
	a2, a3 := t.Dim(2), t.Dim(3)
	n, b2, b3 := u.Dim(0), u.Dim(1), u.Dim(2)

	if b2%a2 != 0 || b3%a3 != 0 {
		panic(fmt.Errorf("cpu: cannot broadcast rows of %v with indices %v", t.shape, u.shape))
	}

	out := t.newLike([]int{d0, n, b2, b3})

	s, idx, o := t.elems(), u.elems(), out.elems()
	for i3 := range b3 {
		for i2 := range b2 {
			slice := s[((i3/(b3/a3))*a2+i2/(b2/a2))*rows*d0:]
			for i := range n {
				row := int(idx[(i3*b2+i2)*n+i])
				if row < 0 || row >= rows {
					panic(fmt.Errorf("cpu: row index %v out of range [0, %v)", row, rows))
				}

				di := ((i3*b2+i2)*n + i) * d0
				copy(o[di:di+d0], slice[row*d0:(row+1)*d0])
			}
		}
	}

	return out
}

// SetRows writes the columns of t2 into rows of t selected by indices,
// mutating t in place so that writes propagate through views.
func (t *Tensor) SetRows(ctx ml.Context, t2 ml.Tensor, indices ml.Tensor) ml.Tensor {
	u, idx := t2.(*Tensor), indices.(*Tensor)

	d0, rows := t.Dim(0), t.Dim(1)
	if u.Dim(0) != d0 || u.Dim(1) != idx.Dim(0) {
		panic(fmt.Errorf("cpu: cannot scatter %v into %v with %v indices", u.shape, t.shape, idx.shape))
	}

	s, o, ix := u.elems(), t.elems(), idx.elems()
	for i := range idx.numel() {
		row := int(ix[i])
		if row < 0 || row >= rows {
			panic(fmt.Errorf("cpu: row index %v out of range [0, %v)", row, rows))
		}

		copy(o[row*d0:(row+1)*d0], s[i*d0:(i+1)*d0])
		if t.dtype == ml.DTypeF16 {
			for j := row * d0; j < (row+1)*d0; j++ {
				o[j] = float16.Fromfloat32(o[j]).Float32()
			}
		}
	}

	return t
}

// Copy writes the contents of t into t2 and returns t2.
func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	if t.numel() != u.numel() {
		panic(fmt.Errorf("cpu: cannot copy %v into %v", t.shape, u.shape))
	}

	copy(u.elems(), t.elems())
	if u.dtype == ml.DTypeF16 {
		o := u.elems()
		for i, v := range o {
			o[i] = float16.Fromfloat32(v).Float32()
		}
	}

	return u
}

func (t *Tensor) Duplicate(ctx ml.Context) ml.Tensor {
	return t.clone()
}

func (t *Tensor) newLike(shape []int) *Tensor {
	out := &Tensor{b: t.b, dtype: t.dtype, shape: slices.Clone(shape)}
	out.data = make([]float32, out.numel())
	return out
}
