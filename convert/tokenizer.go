package convert

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io/fs"
	"regexp"
	"slices"
)

const (
	_ int32 = iota
	tokenTypeNormal
	tokenTypeUnknown
	tokenTypeControl
	tokenTypeUserDefined
	tokenTypeUnused
	tokenTypeByte
)

type Vocabulary struct {
	Tokens []string
	Scores []float32
	Types  []int32

	// PrecompiledCharsmap is the sentencepiece normalizer table, carried
	// into the bundle verbatim.
	PrecompiledCharsmap []byte
}

type tokenizerFile struct {
	AddedTokens []addedToken `json:"added_tokens"`
	Normalizer  *normalizer  `json:"normalizer"`

	// Vocab stays raw until the model type is known: unigram vocabularies
	// are arrays of pairs where other models use objects
	Model struct {
		Type  string          `json:"type"`
		UnkID *int            `json:"unk_id"`
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

type addedToken struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
	Special bool   `json:"special"`
}

type normalizer struct {
	Type                string       `json:"type"`
	PrecompiledCharsmap []byte       `json:"precompiled_charsmap"`
	Normalizers         []normalizer `json:"normalizers"`
}

// charsmap digs the precompiled table out of the normalizer, which is either
// a Precompiled node or a Sequence wrapping one.
func (n *normalizer) charsmap() []byte {
	if n == nil {
		return nil
	}

	if n.Type == "Precompiled" && len(n.PrecompiledCharsmap) > 0 {
		return n.PrecompiledCharsmap
	}

	for i := range n.Normalizers {
		if m := n.Normalizers[i].charsmap(); m != nil {
			return m
		}
	}

	return nil
}

// sentinel tokens reserved for span corruption, typed so they survive in
// plain text prompts
var extraIDPattern = regexp.MustCompile(`^<extra_id_[0-9]+>$`)

// parseVocabulary reads the unigram vocabulary out of tokenizer.json. The
// sentencepiece pieces, their log probabilities, and the normalizer table
// all come from the model section; added_tokens retypes the specials.
func parseVocabulary(fsys fs.FS) (*Vocabulary, error) {
	b, err := fs.ReadFile(fsys, "tokenizer.json")
	if err != nil {
		return nil, fmt.Errorf("convert: reading tokenizer.json: %w", err)
	}

	var t tokenizerFile
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("convert: parsing tokenizer.json: %w", err)
	}

	if t.Model.Type != "Unigram" {
		return nil, fmt.Errorf("convert: unsupported tokenizer model %q", t.Model.Type)
	}

	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(t.Model.Vocab, &pairs); err != nil {
		return nil, fmt.Errorf("convert: parsing tokenizer.json vocab: %w", err)
	}

	v := Vocabulary{
		Tokens:              make([]string, 0, len(pairs)),
		Scores:              make([]float32, 0, len(pairs)),
		Types:               make([]int32, 0, len(pairs)),
		PrecompiledCharsmap: t.Normalizer.charsmap(),
	}

	for i, pair := range pairs {
		var piece string
		if err := json.Unmarshal(pair[0], &piece); err != nil {
			return nil, fmt.Errorf("convert: vocabulary entry %d: %w", i, err)
		}

		var score float32
		if err := json.Unmarshal(pair[1], &score); err != nil {
			return nil, fmt.Errorf("convert: vocabulary entry %d: %w", i, err)
		}

		v.Tokens = append(v.Tokens, piece)
		v.Scores = append(v.Scores, score)
		v.Types = append(v.Types, tokenTypeNormal)
	}

	added := slices.Clone(t.AddedTokens)
	slices.SortFunc(added, func(a, b addedToken) int {
		return cmp.Compare(a.ID, b.ID)
	})

	for _, tok := range added {
		typ := tokenTypeUserDefined
		if tok.Special && !extraIDPattern.MatchString(tok.Content) {
			typ = tokenTypeControl
		}

		switch {
		case tok.ID < len(v.Tokens):
			v.Tokens[tok.ID] = tok.Content
			v.Types[tok.ID] = typ
		case tok.ID == len(v.Tokens):
			v.Tokens = append(v.Tokens, tok.Content)
			v.Scores = append(v.Scores, -1000.0)
			v.Types = append(v.Types, typ)
		default:
			return nil, fmt.Errorf("convert: added token %q has id %d beyond vocabulary of %d", tok.Content, tok.ID, len(v.Tokens))
		}
	}

	if unk := t.Model.UnkID; unk != nil {
		if *unk < 0 || *unk >= len(v.Tokens) {
			return nil, fmt.Errorf("convert: unk_id %d outside vocabulary of %d", *unk, len(v.Tokens))
		}

		v.Types[*unk] = tokenTypeUnknown
	}

	return &v, nil
}
