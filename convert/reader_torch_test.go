package convert

import (
	"slices"
	"strings"
	"testing"

	"github.com/nlpodyssey/gopickle/pytorch"
)

func TestContiguous(t *testing.T) {
	data := []float32{0, 1, 2, 3, 4, 5}

	cases := []struct {
		name string
		t    *pytorch.Tensor
		want []float32
		err  bool
	}{
		{
			name: "RowMajor",
			t:    &pytorch.Tensor{Size: []int{2, 3}, Stride: []int{3, 1}},
			want: []float32{0, 1, 2, 3, 4, 5},
		},
		{
			name: "Transposed",
			t:    &pytorch.Tensor{Size: []int{3, 2}, Stride: []int{1, 3}},
			want: []float32{0, 3, 1, 4, 2, 5},
		},
		{
			name: "OffsetView",
			t:    &pytorch.Tensor{StorageOffset: 2, Size: []int{2, 2}, Stride: []int{2, 1}},
			want: []float32{2, 3, 4, 5},
		},
		{
			name: "NoStrides",
			t:    &pytorch.Tensor{Size: []int{6}},
			want: []float32{0, 1, 2, 3, 4, 5},
		},
		{
			name: "SingletonDim",
			t:    &pytorch.Tensor{Size: []int{1, 6}, Stride: []int{99, 1}},
			want: []float32{0, 1, 2, 3, 4, 5},
		},
		{
			name: "Empty",
			t:    &pytorch.Tensor{Size: []int{0, 3}, Stride: []int{3, 1}},
			want: nil,
		},
		{
			name: "OutsideStorage",
			t:    &pytorch.Tensor{StorageOffset: 4, Size: []int{2, 2}, Stride: []int{3, 1}},
			err:  true,
		},
		{
			name: "StrideMismatch",
			t:    &pytorch.Tensor{Size: []int{2, 3}, Stride: []int{1}},
			err:  true,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := contiguous(tt.t, data)
			if tt.err {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if !slices.Equal(got, tt.want) {
				t.Errorf("contiguous = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTorchFloats(t *testing.T) {
	t.Run("TransposedFloat", func(t *testing.T) {
		tt := &torch{
			t: &pytorch.Tensor{
				Size:   []int{2, 2},
				Stride: []int{1, 2},
				Source: &pytorch.FloatStorage{Data: []float32{0, 1, 2, 3}},
			},
			tensorBase: &tensorBase{name: "w", shape: []uint64{2, 2}},
		}

		got, err := tt.Floats()
		if err != nil {
			t.Fatal(err)
		}

		if want := []float32{0, 2, 1, 3}; !slices.Equal(got, want) {
			t.Errorf("Floats = %v, want %v", got, want)
		}
	})

	t.Run("Double", func(t *testing.T) {
		tt := &torch{
			t: &pytorch.Tensor{
				Size:   []int{2},
				Stride: []int{1},
				Source: &pytorch.DoubleStorage{Data: []float64{1.5, -2.5}},
			},
			tensorBase: &tensorBase{name: "w", shape: []uint64{2}},
		}

		got, err := tt.Floats()
		if err != nil {
			t.Fatal(err)
		}

		if want := []float32{1.5, -2.5}; !slices.Equal(got, want) {
			t.Errorf("Floats = %v, want %v", got, want)
		}
	})

	t.Run("UnsupportedStorage", func(t *testing.T) {
		tt := &torch{
			t:          &pytorch.Tensor{Size: []int{1}},
			tensorBase: &tensorBase{name: "w", shape: []uint64{1}},
		}

		_, err := tt.Floats()
		if err == nil || !strings.Contains(err.Error(), "unsupported storage") {
			t.Fatalf("Floats error = %v, want unsupported storage", err)
		}
	})
}
