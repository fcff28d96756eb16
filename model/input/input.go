package input

import (
	"errors"
	"fmt"

	"github.com/t5go/t5go/ml"
)

// padToken fills the unused cells of a rectangular batch.
const padToken int32 = 0

// Batch contains the inputs for a model forward pass
type Batch struct {
	// Inputs is the input tokens for the decoder stack, shape
	// [decoder_len, batch]
	Inputs ml.Tensor

	// EncoderInputs is the input tokens for the encoder stack, shape
	// [encoder_len, batch]. It is nil when the encoder output for the
	// sequence is already cached.
	EncoderInputs ml.Tensor

	// EncoderMask marks real encoder tokens with 1 and padding with 0,
	// one row per sequence. Nil means nothing is padded.
	EncoderMask []float32

	// DecoderMask is the decoder equivalent of EncoderMask
	DecoderMask []float32

	// Positions is the position of each decoder token in its sequence,
	// used by the cache during incremental decoding
	Positions []int32

	// Sequences is the sequence that each decoder token belongs to
	Sequences []int

	// Outputs are the indexes into the flattened decoder tokens that
	// logits should be returned for, nil for all
	Outputs ml.Tensor
}

// NewBatch pads enc and dec into rectangles, records the padding in the
// masks, and numbers the decoder positions within each sequence.
func NewBatch(ctx ml.Context, enc, dec [][]int32) (Batch, error) {
	if len(enc) < 1 {
		return Batch{}, errors.New("batch size cannot be less than 1")
	}

	if len(enc) != len(dec) {
		return Batch{}, fmt.Errorf("encoder batch size (%v) must match decoder batch size (%v)", len(enc), len(dec))
	}

	encTokens, encMask, err := pad(enc)
	if err != nil {
		return Batch{}, err
	}

	decTokens, decMask, err := pad(dec)
	if err != nil {
		return Batch{}, err
	}

	batch := Batch{
		Inputs:        ctx.Input().FromInts(decTokens, len(decTokens)/len(dec), len(dec)),
		EncoderInputs: ctx.Input().FromInts(encTokens, len(encTokens)/len(enc), len(enc)),
		EncoderMask:   encMask,
		DecoderMask:   decMask,
	}

	length := len(decTokens) / len(dec)
	for i := range dec {
		for p := range length {
			batch.Positions = append(batch.Positions, int32(p))
			batch.Sequences = append(batch.Sequences, i)
		}
	}

	return batch, nil
}

func pad(seqs [][]int32) ([]int32, []float32, error) {
	var length int
	for i, seq := range seqs {
		if len(seq) < 1 {
			return nil, nil, fmt.Errorf("sequence %v is empty", i)
		}

		length = max(length, len(seq))
	}

	tokens := make([]int32, 0, len(seqs)*length)
	mask := make([]float32, 0, len(seqs)*length)
	for _, seq := range seqs {
		for p := range length {
			if p < len(seq) {
				tokens = append(tokens, seq[p])
				mask = append(mask, 1)
			} else {
				tokens = append(tokens, padToken)
				mask = append(mask, 0)
			}
		}
	}

	return tokens, mask, nil
}
