package nn

import (
	"fmt"

	"github.com/t5go/t5go/kvcache"
	"github.com/t5go/t5go/ml"
	"github.com/t5go/t5go/ml/nn/attention"
)

// Attention implements scaled dot-product attention for transformer models:
// Attention(Q, K, V) = softmax(QK^T/√d_k + bias + mask)V
//
// Parameters:
//   - ctx: Context for tensor operations
//   - query: Query tensor (Q) with shape [d_k, heads, seq_len_q, batch]
//   - key: Key tensor (K) with shape [d_k, kv_heads, seq_len_k, batch], can be nil to read from cache only
//   - value: Value tensor (V) with shape [d_v, kv_heads, seq_len_k, batch], can be nil to read from cache only
//   - scale: Scaling factor, typically 1/√d_k. Models that fold the scale
//     into their weight initialization pass 1.
//   - cache: KV cache to store key/value and get past history, can be nil to only use provided key/value
//
// The mask is taken from the cache when one is provided, otherwise from the
// options.
//
// Returns:
//
//	Attention output with shape [d_v, heads, seq_len_q, batch]
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float64, cache kvcache.Cache, opts ...func(*attention.Options)) ml.Tensor {
	var options attention.Options
	for _, opt := range opts {
		opt(&options)
	}

	ctx.Forward(query)
	if key != nil && value != nil {
		if query.Dim(0) != key.Dim(0) {
			panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(0), key.Dim(0)))
		}

		if key.Dim(1) != value.Dim(1) {
			panic(fmt.Errorf("kv_heads in attention operation does not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
		}

		if key.Dim(2) != value.Dim(2) {
			panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
		}

		ctx.Forward(key, value)
		if cache != nil {
			cache.Put(ctx, key, value)
		}
	} else if cache == nil {
		panic("key & value tensors must be provided if cache is nil")
	}

	mask := options.Mask
	if cache != nil {
		key, value, mask = cache.Get(ctx)
	}

	query = query.Permute(ctx, 0, 2, 1, 3)
	key = key.Permute(ctx, 0, 2, 1, 3)
	value = value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)

	kq := key.MulmatFullPrec(ctx, query)

	kq = kq.Scale(ctx, scale)

	if options.Bias != nil {
		kq = kq.Add(ctx, options.Bias)
	}

	if mask != nil {
		kq = kq.Add(ctx, mask)
	}

	kq = kq.Softmax(ctx)

	kqv := value.Mulmat(ctx, kq)

	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx)
}
