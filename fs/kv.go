package fs

import (
	"encoding/base64"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// KV holds model metadata as a flat key-value map. It implements Config.
//
// Keys are namespaced: keys without a "general." or "tokenizer." prefix
// resolve under the architecture, so Uint("block_count") on a model whose
// general.architecture is "t5" reads "t5.block_count".
type KV map[string]any

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

func (kv KV) Kind() string {
	return kv.String("general.type", "unknown")
}

func (kv KV) ParameterCount() uint64 {
	val, _ := keyValue(kv, "general.parameter_count", uint64(0))
	return val
}

func (kv KV) BlockCount() uint64 {
	return uint64(kv.Uint("block_count"))
}

func (kv KV) EmbeddingLength() uint64 {
	return uint64(kv.Uint("embedding_length"))
}

func (kv KV) HeadCount() uint64 {
	return uint64(kv.Uint("attention.head_count", 1))
}

func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

// Int reads a signed scalar. Dimension-like keys go through here rather
// than Uint so that negative values survive for validation instead of
// wrapping.
func (kv KV) Int(key string, defaultValue ...int32) int32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, append(defaultValue, false)...)
	return val
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	return keyValueSlice(kv, key, append(defaultValue, []string(nil))[0])
}

func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	return keyValueSlice(kv, key, append(defaultValue, []int32(nil))[0])
}

func (kv KV) Uints(key string, defaultValue ...[]uint32) []uint32 {
	return keyValueSlice(kv, key, append(defaultValue, []uint32(nil))[0])
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	return keyValueSlice(kv, key, append(defaultValue, []float32(nil))[0])
}

func (kv KV) Bools(key string, defaultValue ...[]bool) []bool {
	return keyValueSlice(kv, key, append(defaultValue, []bool(nil))[0])
}

// Bytes returns binary metadata. Byte values survive a json round trip as
// base64 strings, so both representations are accepted.
func (kv KV) Bytes(key string, defaultValue ...[]byte) []byte {
	if !strings.HasPrefix(key, "tokenizer.") && !strings.HasPrefix(key, "general.") {
		key = kv.Architecture() + "." + key
	}

	switch val := kv[key].(type) {
	case []byte:
		return val
	case string:
		if b, err := base64.StdEncoding.DecodeString(val); err == nil {
			return b
		}
	}

	return append(defaultValue, []byte(nil))[0]
}

func (kv KV) Len() int {
	return len(kv)
}

func (kv KV) Keys() iter.Seq[string] {
	return maps.Keys(kv)
}

func (kv KV) Value(key string) any {
	return kv[key]
}

// Clone returns a deep copy: mutating the copy, including its slice values,
// never affects the receiver.
func (kv KV) Clone() KV {
	out := make(KV, len(kv))
	for k, v := range kv {
		switch v := v.(type) {
		case []string:
			out[k] = slices.Clone(v)
		case []int32:
			out[k] = slices.Clone(v)
		case []uint32:
			out[k] = slices.Clone(v)
		case []float32:
			out[k] = slices.Clone(v)
		case []bool:
			out[k] = slices.Clone(v)
		case *array[string]:
			out[k] = &array[string]{size: v.size, values: slices.Clone(v.values)}
		case *array[int32]:
			out[k] = &array[int32]{size: v.size, values: slices.Clone(v.values)}
		case *array[uint32]:
			out[k] = &array[uint32]{size: v.size, values: slices.Clone(v.values)}
		case *array[float32]:
			out[k] = &array[float32]{size: v.size, values: slices.Clone(v.values)}
		case *array[bool]:
			out[k] = &array[bool]{size: v.size, values: slices.Clone(v.values)}
		case []any:
			out[k] = slices.Clone(v)
		default:
			out[k] = v
		}
	}

	return out
}

type valueTypes interface {
	uint8 | int8 | uint16 | int16 |
		uint32 | int32 | uint64 | int64 |
		string | float32 | float64 | bool
}

type arrayValueTypes interface {
	*array[uint8] | *array[int8] | *array[uint16] | *array[int16] |
		*array[uint32] | *array[int32] | *array[uint64] | *array[int64] |
		*array[string] | *array[float32] | *array[float64] | *array[bool]
}

func keyValue[T valueTypes | arrayValueTypes](kv KV, key string, defaultValue ...T) (T, bool) {
	if !strings.HasPrefix(key, "tokenizer.") && !strings.HasPrefix(key, "general.") {
		key = kv.Architecture() + "." + key
	}

	if val, ok := kv[key].(T); ok {
		return val, true
	}

	// numbers cross convert: json decodes everything as float64 while
	// configs built in code store whichever width was natural
	if f, ok := asFloat64(kv[key]); ok {
		out := defaultValue[0]
		switch p := any(&out).(type) {
		case *uint32:
			*p = uint32(f)
			return out, true
		case *int32:
			*p = int32(f)
			return out, true
		case *uint64:
			*p = uint64(f)
			return out, true
		case *int64:
			*p = int64(f)
			return out, true
		case *float32:
			*p = float32(f)
			return out, true
		}
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0], false
}

func asFloat64(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}

	return 0, false
}

// keyValueSlice accepts a bare slice, an array wrapper, or a json-decoded
// []any for the same element type.
func keyValueSlice[T valueTypes](kv KV, key string, defaultValue []T) []T {
	if !strings.HasPrefix(key, "tokenizer.") && !strings.HasPrefix(key, "general.") {
		key = kv.Architecture() + "." + key
	}

	switch val := kv[key].(type) {
	case []T:
		return val
	case *array[T]:
		return val.values
	case []any:
		out := make([]T, 0, len(val))
		for _, v := range val {
			t, ok := fromAny[T](v)
			if !ok {
				return defaultValue
			}

			out = append(out, t)
		}

		return out
	}

	return defaultValue
}

func fromAny[T valueTypes](v any) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}

	var out T
	f, ok := v.(float64)
	if !ok {
		return out, false
	}

	switch p := any(&out).(type) {
	case *uint32:
		*p = uint32(f)
	case *int32:
		*p = int32(f)
	case *uint64:
		*p = uint64(f)
	case *int64:
		*p = int64(f)
	case *float32:
		*p = float32(f)
	default:
		return out, false
	}

	return out, true
}

type array[T any] struct {
	size   int
	values []T
}

func (a *array[T]) Values() []T {
	if a == nil {
		return nil
	}

	return a.values
}

// NewArray wraps values for storage in a KV. Size may exceed len(values)
// when the values were truncated at decode time.
func NewArray[T any](values []T, size int) *array[T] {
	return &array[T]{size: size, values: values}
}
