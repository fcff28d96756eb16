// Package safetensors reads and writes the safetensors container format:
// an 8 byte little endian header length, a JSON header mapping tensor names
// to dtype, shape, and byte offsets, then the raw tensor data.
package safetensors

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorInfo is the header entry for a single tensor. Offsets are relative
// to the start of the data section.
type TensorInfo struct {
	DType   string    `json:"dtype"`
	Shape   []uint64  `json:"shape"`
	Offsets [2]uint64 `json:"data_offsets"`
}

// Elements returns the number of scalar values in the tensor.
func (ti TensorInfo) Elements() uint64 {
	var n uint64 = 1
	for _, d := range ti.Shape {
		n *= d
	}

	return n
}

func (ti TensorInfo) size() (uint64, error) {
	var width uint64
	switch ti.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	default:
		return 0, fmt.Errorf("safetensors: unsupported dtype %q", ti.DType)
	}

	return ti.Elements() * width, nil
}

// File provides random access to the tensors of a decoded safetensors
// payload. Tensor data is read lazily.
type File struct {
	r     io.ReaderAt
	base  int64
	infos map[string]TensorInfo
	names []string
}

// Decode parses the header of a safetensors payload.
func Decode(r io.ReaderAt) (*File, error) {
	var b [8]byte
	if _, err := r.ReadAt(b[:], 0); err != nil {
		return nil, err
	}

	headerSize := int64(binary.LittleEndian.Uint64(b[:]))

	header := make([]byte, headerSize)
	if _, err := r.ReadAt(header, 8); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, err
	}

	f := &File{r: r, base: 8 + headerSize, infos: make(map[string]TensorInfo, len(raw))}
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}

		var ti TensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, err
		}

		f.infos[name] = ti
		f.names = append(f.names, name)
	}

	slices.Sort(f.names)
	return f, nil
}

// Names returns the tensor names in lexical order.
func (f *File) Names() []string {
	return slices.Clone(f.names)
}

// Info returns the header entry for name.
func (f *File) Info(name string) (TensorInfo, bool) {
	ti, ok := f.infos[name]
	return ti, ok
}

// Bytes returns the raw data for name.
func (f *File) Bytes(name string) ([]byte, error) {
	ti, ok := f.infos[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: no tensor %q", name)
	}

	data := make([]byte, ti.Offsets[1]-ti.Offsets[0])
	if _, err := f.r.ReadAt(data, f.base+int64(ti.Offsets[0])); err != nil {
		return nil, err
	}

	return data, nil
}

// Float32s returns the data for name converted to float32. F32, F16, and
// BF16 tensors are supported.
func (f *File) Float32s(name string) ([]float32, error) {
	ti, ok := f.infos[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: no tensor %q", name)
	}

	data, err := f.Bytes(name)
	if err != nil {
		return nil, err
	}

	switch ti.DType {
	case "F32":
		f32s := make([]float32, len(data)/4)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &f32s); err != nil {
			return nil, err
		}

		return f32s, nil
	case "F16":
		u16s := make([]uint16, len(data)/2)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}

		return f32s, nil
	case "BF16":
		return bfloat16.DecodeFloat32(data), nil
	default:
		return nil, fmt.Errorf("safetensors: unsupported dtype %q", ti.DType)
	}
}

// Tensor is a single tensor to encode. WriteTo must produce exactly the
// bytes implied by DType and Shape.
type Tensor struct {
	Name  string
	DType string
	Shape []uint64

	io.WriterTo
}

type writerFunc func(io.Writer) (int64, error)

func (fn writerFunc) WriteTo(w io.Writer) (int64, error) {
	return fn(w)
}

// F32 returns a Tensor that encodes data as little endian float32.
func F32(name string, shape []uint64, data []float32) Tensor {
	return Tensor{
		Name:  name,
		DType: "F32",
		Shape: shape,
		WriterTo: writerFunc(func(w io.Writer) (int64, error) {
			if err := binary.Write(w, binary.LittleEndian, data); err != nil {
				return 0, err
			}

			return int64(len(data)) * 4, nil
		}),
	}
}

// Encode writes tensors to ws in safetensors framing. Data is laid out
// contiguously in name order and the header is padded so the data section
// begins on an 8 byte boundary.
func Encode(ws io.Writer, ts []Tensor) error {
	ts = slices.Clone(ts)
	slices.SortFunc(ts, func(a, b Tensor) int {
		return cmp.Compare(a.Name, b.Name)
	})

	infos := make(map[string]TensorInfo, len(ts))

	var offset uint64
	for _, t := range ts {
		ti := TensorInfo{DType: t.DType, Shape: t.Shape}
		size, err := ti.size()
		if err != nil {
			return err
		}

		ti.Offsets = [2]uint64{offset, offset + size}
		offset += size
		infos[t.Name] = ti
	}

	header, err := json.Marshal(infos)
	if err != nil {
		return err
	}

	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(ws, binary.LittleEndian, uint64(len(header))); err != nil {
		return err
	}

	if _, err := ws.Write(header); err != nil {
		return err
	}

	for _, t := range ts {
		n, err := t.WriteTo(ws)
		if err != nil {
			return err
		}

		if want := infos[t.Name].Offsets[1] - infos[t.Name].Offsets[0]; uint64(n) != want {
			return fmt.Errorf("safetensors: tensor %q wrote %d bytes, expected %d", t.Name, n, want)
		}
	}

	return nil
}
