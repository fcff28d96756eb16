package safetensors

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

func TestEncodeDecode(t *testing.T) {
	shared := make([]float32, 800)
	for i := range shared {
		shared[i] = float32(i) / 100
	}

	var b bytes.Buffer
	if err := Encode(&b, []Tensor{
		F32("shared.weight", []uint64{100, 8}, shared),
		F32("encoder.block.0.layer.0.SelfAttention.q.weight", []uint64{8, 8}, make([]float32, 64)),
	}); err != nil {
		t.Fatal(err)
	}

	headerSize := binary.LittleEndian.Uint64(b.Bytes()[:8])
	if headerSize%8 != 0 {
		t.Errorf("header size %d is not 8 byte aligned", headerSize)
	}

	f, err := Decode(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	wantNames := []string{
		"encoder.block.0.layer.0.SelfAttention.q.weight",
		"shared.weight",
	}
	if diff := cmp.Diff(wantNames, f.Names()); diff != "" {
		t.Errorf("unexpected names (-want +got):\n%s", diff)
	}

	ti, ok := f.Info("shared.weight")
	if !ok {
		t.Fatal("missing shared.weight")
	}

	if diff := cmp.Diff(TensorInfo{
		DType:   "F32",
		Shape:   []uint64{100, 8},
		Offsets: [2]uint64{256, 3456},
	}, ti); diff != "" {
		t.Errorf("unexpected info (-want +got):\n%s", diff)
	}

	f32s, err := f.Float32s("shared.weight")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(shared, f32s); diff != "" {
		t.Errorf("unexpected data (-want +got):\n%s", diff)
	}
}

func TestDecodeF16(t *testing.T) {
	want := []float32{0.5, -1, 2, 0}

	var b bytes.Buffer
	if err := Encode(&b, []Tensor{{
		Name:  "wi.weight",
		DType: "F16",
		Shape: []uint64{2, 2},
		WriterTo: writerFunc(func(w io.Writer) (int64, error) {
			for _, f := range want {
				if err := binary.Write(w, binary.LittleEndian, float16.Fromfloat32(f).Bits()); err != nil {
					return 0, err
				}
			}

			return int64(len(want)) * 2, nil
		}),
	}}); err != nil {
		t.Fatal(err)
	}

	f, err := Decode(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	f32s, err := f.Float32s("wi.weight")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(want, f32s); diff != "" {
		t.Errorf("unexpected data (-want +got):\n%s", diff)
	}
}

func TestUnknownTensor(t *testing.T) {
	var b bytes.Buffer
	if err := Encode(&b, []Tensor{F32("w", []uint64{1}, []float32{1})}); err != nil {
		t.Fatal(err)
	}

	f, err := Decode(bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.Float32s("missing"); err == nil {
		t.Error("expected error for unknown tensor")
	}
}
