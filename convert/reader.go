package convert

import (
	"encoding/json"
	"errors"
	"io/fs"
	"maps"
	"slices"
	"strings"
)

// Tensor is one weight read from a checkpoint. Data decodes lazily and
// always comes back as float32.
type Tensor interface {
	Name() string
	Shape() []uint64
	Rename(string)
	Floats() ([]float32, error)
}

type tensorBase struct {
	name  string
	shape []uint64
}

func (t *tensorBase) Name() string {
	return t.name
}

func (t *tensorBase) Shape() []uint64 {
	return t.shape
}

func (t *tensorBase) Rename(name string) {
	t.name = name
}

func elements(shape []uint64) uint64 {
	var n uint64 = 1
	for _, d := range shape {
		n *= d
	}

	return n
}

// parseTensors locates the checkpoint payload in fsys and parses every
// tensor, renaming each through replacer. Sharded safetensors checkpoints
// are resolved through their index when one is present.
func parseTensors(fsys fs.FS, replacer *strings.Replacer) ([]Tensor, error) {
	if b, err := fs.ReadFile(fsys, "model.safetensors.index.json"); err == nil {
		var index struct {
			WeightMap map[string]string `json:"weight_map"`
		}

		if err := json.Unmarshal(b, &index); err != nil {
			return nil, err
		}

		shards := slices.Compact(slices.Sorted(maps.Values(index.WeightMap)))
		if len(shards) > 0 {
			return parseSafetensors(fsys, replacer, shards...)
		}
	}

	patterns := []struct {
		glob string
		fn   func(fs.FS, *strings.Replacer, ...string) ([]Tensor, error)
	}{
		{"model*.safetensors", parseSafetensors},
		{"pytorch_model*.bin", parseTorch},
		{"consolidated.*.pth", parseTorch},
	}

	for _, pattern := range patterns {
		matches, err := fs.Glob(fsys, pattern.glob)
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			return pattern.fn(fsys, replacer, matches...)
		}
	}

	return nil, errors.New("convert: no model tensors found")
}
