package convert

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

type torch struct {
	t *pytorch.Tensor

	*tensorBase
}

func parseTorch(fsys fs.FS, replacer *strings.Replacer, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	names := make(map[string]struct{})
	for _, p := range ps {
		dict, err := loadTorch(fsys, p)
		if err != nil {
			return nil, err
		}

		for _, k := range dict.Keys() {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("convert: %s: key %v is not a string", p, k)
			}

			pt, ok := dict.MustGet(k).(*pytorch.Tensor)
			if !ok {
				// metadata entries carry no weights
				continue
			}

			if len(pt.Size) == 0 {
				return nil, fmt.Errorf("convert: tensor %q has no shape", key)
			}

			shape := make([]uint64, len(pt.Size))
			for i, dim := range pt.Size {
				shape[i] = uint64(dim)
			}

			name := replacer.Replace(key)
			if _, ok := names[name]; ok {
				return nil, fmt.Errorf("convert: duplicate tensor %q", name)
			}

			names[name] = struct{}{}
			ts = append(ts, &torch{
				t: pt,
				tensorBase: &tensorBase{
					name:  name,
					shape: shape,
				},
			})
		}
	}

	return ts, nil
}

// loadTorch unpickles one checkpoint file. gopickle only reads from a path
// on disk, so files that did not come from the local filesystem are staged
// in a temporary file first.
func loadTorch(fsys fs.FS, p string) (*types.Dict, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	path := p
	if osf, ok := f.(*os.File); ok {
		path = osf.Name()
	} else {
		tmp, err := os.CreateTemp("", "torch-*.bin")
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmp.Name())

		_, err = io.Copy(tmp, f)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, err
		}

		path = tmp.Name()
	}

	m, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("convert: %s: %w", p, err)
	}

	dict, ok := m.(*types.Dict)
	if !ok {
		return nil, fmt.Errorf("convert: %s: unexpected checkpoint layout %T", p, m)
	}

	return dict, nil
}

func (t *torch) Floats() ([]float32, error) {
	var f32s []float32
	switch s := t.t.Source.(type) {
	case *pytorch.FloatStorage:
		f32s = s.Data
	case *pytorch.HalfStorage:
		f32s = s.Data
	case *pytorch.BFloat16Storage:
		f32s = s.Data
	case *pytorch.DoubleStorage:
		f32s = make([]float32, len(s.Data))
		for i, f := range s.Data {
			f32s[i] = float32(f)
		}
	default:
		return nil, fmt.Errorf("convert: tensor %q has unsupported storage %T", t.name, s)
	}

	f32s, err := contiguous(t.t, f32s)
	if err != nil {
		return nil, fmt.Errorf("convert: tensor %q: %w", t.name, err)
	}

	return f32s, nil
}

// contiguous copies a tensor's view out of its backing storage. Checkpoints
// with tied weights share one storage between several tensors, so a view may
// start at an offset or carry non-default strides.
func contiguous(pt *pytorch.Tensor, data []float32) ([]float32, error) {
	n := 1
	for _, d := range pt.Size {
		n *= d
	}

	if n == 0 {
		return nil, nil
	}

	if len(pt.Stride) != 0 && len(pt.Stride) != len(pt.Size) {
		return nil, fmt.Errorf("%d strides for %d dims", len(pt.Stride), len(pt.Size))
	}

	if isContiguous(pt) {
		end := pt.StorageOffset + n
		if pt.StorageOffset < 0 || end > len(data) {
			return nil, fmt.Errorf("view [%d:%d) outside storage of %d elements", pt.StorageOffset, end, len(data))
		}

		return slices.Clone(data[pt.StorageOffset:end]), nil
	}

	out := make([]float32, 0, n)
	idx := make([]int, len(pt.Size))
	for range n {
		pos := pt.StorageOffset
		for d, i := range idx {
			pos += i * pt.Stride[d]
		}

		if pos < 0 || pos >= len(data) {
			return nil, fmt.Errorf("element %v at %d outside storage of %d elements", idx, pos, len(data))
		}

		out = append(out, data[pos])
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < pt.Size[d] {
				break
			}

			idx[d] = 0
		}
	}

	return out, nil
}

func isContiguous(pt *pytorch.Tensor) bool {
	if len(pt.Stride) == 0 {
		return true
	}

	stride := 1
	for d := len(pt.Size) - 1; d >= 0; d-- {
		if pt.Size[d] != 1 && pt.Stride[d] != stride {
			return false
		}

		stride *= pt.Size[d]
	}

	return true
}
