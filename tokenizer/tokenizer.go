// Package tokenizer turns text into model token ids and back.
package tokenizer

type Special int32

const (
	SpecialBOS Special = iota
	SpecialEOS
)

// Token types mirror the sentencepiece model proto.
const (
	TOKEN_TYPE_NORMAL = iota + 1
	TOKEN_TYPE_UNKNOWN
	TOKEN_TYPE_CONTROL
	TOKEN_TYPE_USER_DEFINED
	TOKEN_TYPE_UNUSED
	TOKEN_TYPE_BYTE
)

type TextProcessor interface {
	Encode(s string, addSpecial bool) ([]int32, error)
	Decode([]int32) (string, error)
	Is(int32, Special) bool
	Vocabulary() *Vocabulary
}

// fragment is a span of input text together with the token ids it has
// already resolved to. Spans with no ids still need tokenization.
type fragment struct {
	value string
	ids   []int32
}
