package attention

import (
	"github.com/t5go/t5go/ml"
)

type Options struct {
	// Mask masks out certain positions. It is only consulted when the
	// attention operation runs without a cache.
	Mask ml.Tensor

	// Bias is added to the attention scores before softmax. Relative
	// position encodings use it to shift scores by query/key distance.
	Bias ml.Tensor
}

func WithMask(mask ml.Tensor) func(*Options) {
	return func(o *Options) {
		o.Mask = mask
	}
}

func WithBias(bias ml.Tensor) func(*Options) {
	return func(o *Options) {
		o.Bias = bias
	}
}
