package fs

import "iter"

// Config exposes typed access to model metadata. Scalar getters take an
// optional default returned when the key is missing or has the wrong type.
type Config interface {
	Architecture() string

	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Int(string, ...int32) int32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool
	Bytes(string, ...[]byte) []byte

	Strings(string, ...[]string) []string
	Ints(string, ...[]int32) []int32
	Floats(string, ...[]float32) []float32
	Bools(string, ...[]bool) []bool

	Len() int
	Keys() iter.Seq[string]
	Value(key string) any
}
