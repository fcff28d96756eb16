package tokenizer

import (
	"slices"
	"strings"
)

// splitSpecialTokens splits s into fragments, extracting special tokens
// defined in the vocabulary. Special tokens are processed in vocabulary
// order; earlier tokens take priority at overlapping positions.
//
// TODO: build a multi-pattern matcher over the special vocabulary once in
// NewUnigram; scanning every fragment per special token is quadratic for
// vocabularies with many user defined tokens.
func splitSpecialTokens(s string, vocab *Vocabulary) []fragment {
	fragments := []fragment{{value: s}}
	for _, special := range vocab.SpecialVocabulary() {
		if !strings.Contains(s, special) {
			continue
		}

		id := vocab.Encode(special)
		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}

			var middle []fragment
			switch idx := strings.Index(frag.value, special); {
			case idx < 0:
				middle = append(middle, frag)
			case idx > 0:
				middle = append(middle, fragment{value: frag.value[:idx]})
				fallthrough
			default:
				middle = append(middle, fragment{value: special, ids: []int32{id}})
				if rest := frag.value[idx+len(special):]; rest != "" {
					middle = append(middle, fragment{value: rest})
				}
			}

			fragments = slices.Replace(fragments, i, i+1, middle...)
		}
	}

	return fragments
}
