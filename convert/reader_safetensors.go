package convert

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"

	"github.com/t5go/t5go/fs/safetensors"
)

type safetensor struct {
	fsys fs.FS
	path string

	// key is the name inside the shard, before renaming
	key string

	*tensorBase
}

func parseSafetensors(fsys fs.FS, replacer *strings.Replacer, ps ...string) ([]Tensor, error) {
	var ts []Tensor
	names := make(map[string]struct{})
	for _, p := range ps {
		sf, closeFn, err := openSafetensors(fsys, p)
		if err != nil {
			return nil, err
		}

		for _, key := range sf.Names() {
			info, _ := sf.Info(key)
			if len(info.Shape) == 0 {
				closeFn()
				return nil, fmt.Errorf("convert: tensor %q has no shape", key)
			}

			name := replacer.Replace(key)
			if _, ok := names[name]; ok {
				closeFn()
				return nil, fmt.Errorf("convert: duplicate tensor %q", name)
			}

			names[name] = struct{}{}
			ts = append(ts, &safetensor{
				fsys: fsys,
				path: p,
				key:  key,
				tensorBase: &tensorBase{
					name:  name,
					shape: slices.Clone(info.Shape),
				},
			})
		}

		closeFn()
	}

	return ts, nil
}

// openSafetensors parses the header of one shard. Shards are reopened for
// every read so no file handles are held across the conversion.
func openSafetensors(fsys fs.FS, p string) (*safetensors.File, func() error, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return nil, nil, err
	}

	ra, ok := f.(io.ReaderAt)
	if !ok {
		// the filesystem cannot seek, stage the shard in memory
		b, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, nil, err
		}

		ra = bytes.NewReader(b)
		f = nil
	}

	sf, err := safetensors.Decode(ra)
	if err != nil {
		if f != nil {
			f.Close()
		}

		return nil, nil, fmt.Errorf("convert: %s: %w", p, err)
	}

	closeFn := func() error {
		if f != nil {
			return f.Close()
		}

		return nil
	}

	return sf, closeFn, nil
}

func (st *safetensor) Floats() ([]float32, error) {
	sf, closeFn, err := openSafetensors(st.fsys, st.path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	return sf.Float32s(st.key)
}
