package cpu

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/vecf32"

	"github.com/t5go/t5go/ml"
)

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp(t2, vecf32.Add, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp(t2, vecf32.Sub, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp(t2, vecf32.Mul, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Div(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binaryOp(t2, vecf32.Div, func(a, b float32) float32 { return a / b })
}

// binaryOp applies fn elementwise with the dimensions of t2 broadcast into
// t where they are 1. Equal shapes take the vectorized fast path.
func (t *Tensor) binaryOp(t2 ml.Tensor, fast func(a, b []float32), fn func(a, b float32) float32) ml.Tensor {
	u := t2.(*Tensor)

	d, e := t.dims4(), u.dims4()
	if d == e {
		out := t.clone()
		fast(out.elems(), u.elems())
		return out
	}

	for i := range e {
		if e[i] != d[i] && e[i] != 1 {
			panic(fmt.Errorf("cpu: cannot broadcast %v to %v", u.shape, t.shape))
		}
	}

	out := t.newLike(t.shape)
	s, q, o := t.elems(), u.elems(), out.elems()

	var us [4]int
	stride := 1
	for i := range us {
		if e[i] > 1 {
			us[i] = stride
		}

		stride *= e[i]
	}

	for i3 := range d[3] {
		for i2 := range d[2] {
			for i1 := range d[1] {
				si := ((i3*d[2]+i2)*d[1] + i1) * d[0]
				ui := i3*us[3] + i2*us[2] + i1*us[1]
				if us[0] == 0 {
					v := q[ui]
					for i0 := range d[0] {
						o[si+i0] = fn(s[si+i0], v)
					}
				} else {
					for i0 := range d[0] {
						o[si+i0] = fn(s[si+i0], q[ui+i0])
					}
				}
			}
		}
	}

	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := t.clone()
	vecf32.Scale(out.elems(), float32(s))
	return out
}

func (t *Tensor) Neg(ctx ml.Context) ml.Tensor {
	return t.Scale(ctx, -1)
}

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.matmul(t2.(*Tensor), false)
}

// MulmatFullPrec accumulates in float64.
func (t *Tensor) MulmatFullPrec(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.matmul(t2.(*Tensor), true)
}

// matmul computes t transposed times t2 slice by slice: out[n, m] with t of [k, n] and t2
// of [k, m]. The outer dimensions of t broadcast into those of t2. Slices,
// or column ranges when there is only one slice, run concurrently.
func (t *Tensor) matmul(u *Tensor, fullPrec bool) ml.Tensor {
	k, n, a2, a3 := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	m, b2, b3 := u.Dim(1), u.Dim(2), u.Dim(3)

	if u.Dim(0) != k || b2%a2 != 0 || b3%a3 != 0 {
		panic(fmt.Errorf("cpu: cannot multiply %v by %v", t.shape, u.shape))
	}

	shape := []int{n, m, b2, b3}
	for len(shape) > 1 && shape[len(shape)-1] == 1 {
		shape = shape[:len(shape)-1]
	}

	out := t.newLike(shape)
	s, q, o := t.elems(), u.elems(), out.elems()

	slice := func(i2, i3, j0, j1 int) {
		a := s[((i3/(b3/a3))*a2+i2/(b2/a2))*k*n:]
		b := q[(i3*b2+i2)*k*m:]
		oo := o[(i3*b2+i2)*n*m:]
		for j := j0; j < j1; j++ {
			bcol := b[j*k : j*k+k]
			for i := range n {
				acol := a[i*k : i*k+k]
				if fullPrec {
					var sum float64
					for p := range k {
						sum += float64(acol[p]) * float64(bcol[p])
					}

					oo[j*n+i] = float32(sum)
				} else {
					var sum float32
					for p := range k {
						sum += acol[p] * bcol[p]
					}

					oo[j*n+i] = sum
				}
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(t.b.threads)

	if b2*b3 == 1 {
		chunk := max(1, (m+t.b.threads-1)/t.b.threads)
		for j0 := 0; j0 < m; j0 += chunk {
			j0, j1 := j0, min(j0+chunk, m)
			g.Go(func() error {
				slice(0, 0, j0, j1)
				return nil
			})
		}
	} else {
		for i3 := range b3 {
			for i2 := range b2 {
				g.Go(func() error {
					slice(i2, i3, 0, m)
					return nil
				})
			}
		}
	}

	g.Wait()
	return out
}

// Mean reduces dimension 0 to its average.
func (t *Tensor) Mean(ctx ml.Context) ml.Tensor {
	d0 := t.Dim(0)
	shape := slices.Clone(t.shape)
	shape[0] = 1

	out := t.newLike(shape)
	s, o := t.elems(), out.elems()
	for r := range out.numel() {
		var sum float32
		for _, v := range s[r*d0 : (r+1)*d0] {
			sum += v
		}

		o[r] = sum / float32(d0)
	}

	return out
}

// Softmax normalizes along dimension 0. Rows that are entirely -Inf stay
// zero instead of producing NaN.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	d0 := t.Dim(0)
	out := t.newLike(t.shape)
	s, o := t.elems(), out.elems()

	for r := 0; r < t.numel()/d0; r++ {
		row := s[r*d0 : (r+1)*d0]
		orow := o[r*d0 : (r+1)*d0]

		maxv := math32.Inf(-1)
		for _, v := range row {
			maxv = max(maxv, v)
		}

		if math32.IsInf(maxv, -1) {
			continue
		}

		var sum float32
		for i, v := range row {
			e := math32.Exp(v - maxv)
			orow[i] = e
			sum += e
		}

		vecf32.Scale(orow, 1/sum)
	}

	return out
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	d0 := t.Dim(0)
	out := t.newLike(t.shape)
	s, o := t.elems(), out.elems()

	for r := 0; r < t.numel()/d0; r++ {
		row := s[r*d0 : (r+1)*d0]
		orow := o[r*d0 : (r+1)*d0]

		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(d0)

		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(d0)

		inv := 1 / math32.Sqrt(variance+eps)
		for i, v := range row {
			orow[i] = (v - mean) * inv
		}
	}

	if weight != nil {
		out = out.Mul(ctx, weight).(*Tensor)
	}

	if bias != nil {
		out = out.Add(ctx, bias).(*Tensor)
	}

	return out
}

// RMSNorm scales each row by the inverse root mean square of its values.
// There is no recentering and no bias.
func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	d0 := t.Dim(0)
	out := t.newLike(t.shape)
	s, o := t.elems(), out.elems()

	for r := 0; r < t.numel()/d0; r++ {
		row := s[r*d0 : (r+1)*d0]
		orow := o[r*d0 : (r+1)*d0]

		var ms float32
		for _, v := range row {
			ms += v * v
		}
		ms /= float32(d0)

		inv := 1 / math32.Sqrt(ms+eps)
		for i, v := range row {
			orow[i] = v * inv
		}
	}

	if weight != nil {
		out = out.Mul(ctx, weight).(*Tensor)
	}

	return out
}

func (t *Tensor) unaryOp(fn func(float32) float32) ml.Tensor {
	out := t.newLike(t.shape)
	s, o := t.elems(), out.elems()
	for i, v := range s {
		o[i] = fn(v)
	}

	return out
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unaryOp(math32.Tanh)
}

const sqrt2OverPi = 0.7978845608028654

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unaryOp(func(v float32) float32 {
		return 0.5 * v * (1 + math32.Tanh(sqrt2OverPi*(v+0.044715*v*v*v)))
	})
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.unaryOp(func(v float32) float32 {
		return v / (1 + math32.Exp(-v))
	})
}

func (t *Tensor) RELU(ctx ml.Context) ml.Tensor {
	return t.unaryOp(func(v float32) float32 {
		return max(0, v)
	})
}

// Dropout zeros elements with probability p and scales survivors by
// 1/(1-p). Outside of training it is the identity.
func (t *Tensor) Dropout(ctx ml.Context, p float32) ml.Tensor {
	if p < 0 || p >= 1 {
		panic(fmt.Errorf("cpu: invalid dropout probability %v", p))
	}

	if p == 0 || !t.b.training {
		return t
	}

	out := t.newLike(t.shape)
	s, o := t.elems(), out.elems()
	scale := 1 / (1 - p)

	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	for i, v := range s {
		if t.b.rng.Float32() >= p {
			o[i] = v * scale
		}
	}

	return out
}
