package tokenizer

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf8"
	"unsafe"
)

const (
	unigramEscapedSpace             = "\xE2\x96\x81"
	unigramUnknownTokenScorePenalty = 10.0
	xcdaArrayNodeSize               = 4 // uint32 size in bytes
)

type naiveTrie struct {
	children map[byte]*naiveTrie
	hasValue bool
	value    int32
}

func (n *naiveTrie) Insert(key string, value int32) {
	n.insert([]byte(key), value)
}

func (n *naiveTrie) insert(key []byte, value int32) {
	if len(key) == 0 {
		n.hasValue = true
		n.value = value
		return
	}

	if n.children == nil {
		n.children = make(map[byte]*naiveTrie)
	}

	firstByte := key[0]
	child, exists := n.children[firstByte]
	if !exists {
		child = &naiveTrie{}
		n.children[firstByte] = child
	}
	child.insert(key[1:], value)
}

func (n *naiveTrie) GetLongestPrefix(key string) int {
	return n.getLongestPrefix([]byte(key), 0)
}

func (n *naiveTrie) getLongestPrefix(key []byte, offset int) int {
	if offset >= len(key) || n.children == nil {
		return offset
	}

	if child, ok := n.children[key[offset]]; ok {
		return child.getLongestPrefix(key, offset+1)
	}
	return offset
}

func (n *naiveTrie) Traverse(c byte) *naiveTrie {
	if n.children == nil {
		return nil
	}
	return n.children[c]
}

type xcdaArrayView struct {
	xcdaArray []uint32
}

func (v *xcdaArrayView) getNode(index uint32) (uint32, error) {
	if int(index) >= len(v.xcdaArray) {
		return 0, fmt.Errorf("index %d out of array bounds (len=%d)", index, len(v.xcdaArray))
	}
	return v.xcdaArray[index], nil
}

func (v *xcdaArrayView) GetBase(index uint32) (uint32, error) {
	packedNode, err := v.getNode(index)
	if err != nil {
		return 0, err
	}
	shift := (packedNode & (1 << 9)) >> 6
	return (packedNode >> 10) << shift, nil
}

func (v *xcdaArrayView) GetLCheck(index uint32) (uint32, error) {
	packedNode, err := v.getNode(index)
	if err != nil {
		return 0, err
	}
	return packedNode & ((1 << 31) | 0xff), nil
}

func (v *xcdaArrayView) GetLeaf(index uint32) (bool, error) {
	packedNode, err := v.getNode(index)
	if err != nil {
		return false, err
	}
	return ((packedNode >> 8) & 1) == 1, nil
}

func (v *xcdaArrayView) GetValue(index uint32) (uint32, error) {
	packedNode, err := v.getNode(index)
	if err != nil {
		return 0, err
	}
	return packedNode & ((1 << 31) - 1), nil
}

type bestTokenization struct {
	tokenId     int32
	inputOffset int
	scoreSum    float64
}

// Unigram tokenizes text with the Viterbi algorithm over a score-annotated
// vocabulary, the scheme used by sentencepiece unigram models.
type Unigram struct {
	xcdaView                xcdaArrayView
	vocab                   *Vocabulary
	prefixReplacements      []uint8
	minScore                float32
	unknownTokenScore       float32
	tokenMatcher            naiveTrie
	userDefinedTokenMatcher naiveTrie
	unknownId               int32
}

var _ TextProcessor = (*Unigram)(nil)

// NewUnigram builds a unigram tokenizer from vocab. precompiledCharsMap is
// the sentencepiece normalizer blob and may be nil, in which case input is
// only space-normalized.
func NewUnigram(vocab *Vocabulary, precompiledCharsMap []uint8) (*Unigram, error) {
	u := &Unigram{
		vocab:     vocab,
		minScore:  math.MaxFloat32,
		unknownId: 2,
	}

	for id, tokenType := range vocab.Types {
		if tokenType == TOKEN_TYPE_UNKNOWN {
			u.unknownId = int32(id)
			break
		}
	}

	if len(precompiledCharsMap) > 0 {
		if err := u.parsePrecompiledCharsMap(precompiledCharsMap); err != nil {
			return nil, err
		}
	}

	u.buildTokenMatchers()

	u.unknownTokenScore = u.minScore - unigramUnknownTokenScorePenalty
	return u, nil
}

func (u *Unigram) parsePrecompiledCharsMap(precompiledCharsMap []uint8) error {
	if len(precompiledCharsMap) < 4 {
		return errors.New("tokenizer: invalid precompiled chars map (too short)")
	}

	tmp := unsafe.Slice((*uint32)(unsafe.Pointer(&precompiledCharsMap[0])), len(precompiledCharsMap)/xcdaArrayNodeSize)

	xcdaBlobSize := int(tmp[0])
	offset := 4

	if xcdaBlobSize+offset > len(precompiledCharsMap) {
		return errors.New("index out of array bounds in precompiled charsmap")
	}

	u.xcdaView.xcdaArray = unsafe.Slice(
		(*uint32)(unsafe.Pointer(&precompiledCharsMap[offset])),
		xcdaBlobSize/xcdaArrayNodeSize,
	)
	offset += xcdaBlobSize

	u.prefixReplacements = precompiledCharsMap[offset:]
	return nil
}

func (u *Unigram) buildTokenMatchers() {
	for id, tokenType := range u.vocab.Types {
		if tokenType == TOKEN_TYPE_NORMAL {
			if score := u.vocab.Scores[id]; score < u.minScore {
				u.minScore = score
			}
		}

		if tokenType == TOKEN_TYPE_NORMAL || tokenType == TOKEN_TYPE_USER_DEFINED || tokenType == TOKEN_TYPE_UNUSED {
			u.tokenMatcher.Insert(u.vocab.Values[id], int32(id))
		}

		if tokenType == TOKEN_TYPE_USER_DEFINED {
			u.userDefinedTokenMatcher.Insert(u.vocab.Values[id], int32(id))
		}
	}
}

func (u *Unigram) normalizePrefix(input string) (string, int, error) {
	if input == "" {
		return "", 0, nil
	}

	if prefixLen := u.userDefinedTokenMatcher.GetLongestPrefix(input); prefixLen > 0 {
		return input[:prefixLen], prefixLen, nil
	}

	longestPrefixLength, replacement, err := u.matchPrefixXCDA(input)
	if err != nil {
		return "", 0, err
	}

	if longestPrefixLength > 0 {
		return replacement, longestPrefixLength, nil
	}

	return u.getFallbackChar(input)
}

func (u *Unigram) matchPrefixXCDA(input string) (int, string, error) {
	if len(u.xcdaView.xcdaArray) == 0 {
		return 0, "", nil
	}

	nodeIndex, err := u.xcdaView.GetBase(0)
	if err != nil {
		return 0, "", err
	}

	var longestPrefixLength int
	var longestPrefixOffset uint32

	for prefixOffset := 0; prefixOffset < len(input); prefixOffset++ {
		c := uint32(input[prefixOffset])
		if c == 0 {
			break
		}

		nodeIndex ^= c

		lcheck, err := u.xcdaView.GetLCheck(nodeIndex)
		if err != nil {
			return 0, "", err
		}
		if lcheck != c {
			break
		}

		isLeaf, err := u.xcdaView.GetLeaf(nodeIndex)
		if err != nil {
			return 0, "", err
		}

		base, err := u.xcdaView.GetBase(nodeIndex)
		if err != nil {
			return 0, "", err
		}
		nodeIndex ^= base

		if isLeaf {
			longestPrefixLength = prefixOffset + 1
			longestPrefixOffset, err = u.xcdaView.GetValue(nodeIndex)
			if err != nil {
				return 0, "", err
			}
		}
	}

	if longestPrefixLength > 0 {
		replacement, err := u.getReplacementString(longestPrefixOffset)
		if err != nil {
			return 0, "", err
		}
		return longestPrefixLength, replacement, nil
	}

	return 0, "", nil
}

func (u *Unigram) getReplacementString(offset uint32) (string, error) {
	if int(offset) >= len(u.prefixReplacements) {
		return "", errors.New("index out of array bounds in precompiled charsmap")
	}

	prefixReplacement := u.prefixReplacements[offset:]
	index := bytes.IndexByte(prefixReplacement, 0)
	if index < 0 {
		return "", errors.New("unexpected string bound index in precompiled charsmap")
	}

	prefixReplacement = prefixReplacement[:index]
	return unsafe.String(unsafe.SliceData(prefixReplacement), len(prefixReplacement)), nil
}

func (u *Unigram) getFallbackChar(input string) (string, int, error) {
	if len(input) > 0 {
		r, size := utf8.DecodeRuneInString(input)
		if r != utf8.RuneError {
			return string(r), size, nil
		}
	}
	return "\xEF\xBF\xBD", 1, nil
}

func (u *Unigram) normalize(input string) (string, error) {
	var normalized strings.Builder
	normalized.Grow(len(input) + 10)

	shallPrependSpace := !u.vocab.TreatWhitespaceAsSuffix && u.vocab.AddSpacePrefix
	shallAppendSpace := u.vocab.TreatWhitespaceAsSuffix && u.vocab.AddSpacePrefix
	shallMergeSpaces := u.vocab.RemoveExtraWhitespaces

	var isSpacePrepended bool
	var processingNonWs bool

	for len(input) > 0 {
		normRes, consumedInput, err := u.normalizePrefix(input)
		if err != nil {
			return "", err
		}

		for i := 0; i < len(normRes); i++ {
			c := normRes[i]
			if c != ' ' {
				if !processingNonWs {
					processingNonWs = true
					if (shallPrependSpace && !isSpacePrepended) || shallMergeSpaces {
						normalized.WriteString(unigramEscapedSpace)
						isSpacePrepended = true
					}
				}
				normalized.WriteByte(c)
			} else {
				if processingNonWs {
					processingNonWs = false
				}
				if !shallMergeSpaces {
					normalized.WriteString(unigramEscapedSpace)
				}
			}
		}
		input = input[consumedInput:]
	}

	if shallAppendSpace {
		normalized.WriteString(unigramEscapedSpace)
	}

	return normalized.String(), nil
}

func utf8CodeUnitLen(c byte) int {
	return []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 2, 2, 3, 4}[c>>4]
}

func (u *Unigram) Encode(s string, addSpecial bool) ([]int32, error) {
	var ids []int32
	for _, frag := range splitSpecialTokens(s, u.vocab) {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		normalized, err := u.normalize(frag.value)
		if err != nil {
			return nil, err
		}

		if len(normalized) == 0 {
			continue
		}

		tokenizationResults := make([]*bestTokenization, len(normalized)+1)
		for i := range tokenizationResults {
			tokenizationResults[i] = &bestTokenization{
				tokenId:  u.unknownId,
				scoreSum: -math.MaxFloat64,
			}
		}
		tokenizationResults[0].scoreSum = 0

		u.findBestTokenization(normalized, tokenizationResults)
		ids = append(ids, u.backtrackTokenization(normalized, tokenizationResults)...)
	}

	if addSpecial {
		ids = u.vocab.addSpecials(ids)
	}

	return ids, nil
}

func (u *Unigram) findBestTokenization(normalized string, tokenizationResults []*bestTokenization) {
	for inputOffset := 0; inputOffset < len(normalized); {
		nUtf8CodeUnits := min(utf8CodeUnitLen(normalized[inputOffset]), len(normalized)-inputOffset)
		currentBest := tokenizationResults[inputOffset]

		singleCodepointTokenFound := u.matchTokens(
			normalized,
			inputOffset,
			nUtf8CodeUnits,
			currentBest,
			tokenizationResults,
		)

		if !singleCodepointTokenFound {
			u.handleUnknownToken(inputOffset, nUtf8CodeUnits, currentBest, tokenizationResults)
		}

		inputOffset += nUtf8CodeUnits
	}
}

func (u *Unigram) matchTokens(
	normalized string,
	inputOffset int,
	nUtf8CodeUnits int,
	currentBest *bestTokenization,
	tokenizationResults []*bestTokenization,
) bool {
	node := u.tokenMatcher.Traverse(normalized[inputOffset])
	singleCodepointTokenFound := false

	for prefixOffset := inputOffset + 1; prefixOffset <= len(normalized) && node != nil; prefixOffset++ {
		if node.hasValue {
			tokenId := node.value

			if prefixOffset-inputOffset == nUtf8CodeUnits {
				singleCodepointTokenFound = true
			}

			challengerScore := currentBest.scoreSum
			if u.vocab.Types[tokenId] != TOKEN_TYPE_USER_DEFINED {
				challengerScore += float64(u.vocab.Scores[tokenId])
			}

			currentChamp := tokenizationResults[prefixOffset]
			if challengerScore > currentChamp.scoreSum {
				currentChamp.tokenId = tokenId
				currentChamp.inputOffset = inputOffset
				currentChamp.scoreSum = challengerScore
			}
		}

		if prefixOffset >= len(normalized) {
			break
		}
		node = node.Traverse(normalized[prefixOffset])
	}

	return singleCodepointTokenFound
}

func (u *Unigram) handleUnknownToken(
	inputOffset int,
	nUtf8CodeUnits int,
	currentBest *bestTokenization,
	tokenizationResults []*bestTokenization,
) {
	challengerScore := currentBest.scoreSum + float64(u.unknownTokenScore)
	prefixOffset := inputOffset + nUtf8CodeUnits
	currentChamp := tokenizationResults[prefixOffset]

	if challengerScore > currentChamp.scoreSum {
		currentChamp.scoreSum = challengerScore
		currentChamp.inputOffset = inputOffset
		currentChamp.tokenId = u.unknownId
	}
}

// backtrackTokenization walks the best path from the end of the input to the
// start, collapsing runs of unknown tokens into one.
func (u *Unigram) backtrackTokenization(normalized string, tokenizationResults []*bestTokenization) []int32 {
	var tokens []int32
	isPrevUnknown := false

	for tokenization := tokenizationResults[len(normalized)]; ; tokenization = tokenizationResults[tokenization.inputOffset] {
		isUnknown := tokenization.tokenId == u.unknownId
		if !(isUnknown && isPrevUnknown) {
			tokens = append(tokens, tokenization.tokenId)
		}

		if tokenization.inputOffset == 0 {
			break
		}
		isPrevUnknown = isUnknown
	}

	slices.Reverse(tokens)
	return tokens
}

func (u *Unigram) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	sb.Grow(len(ids) * 4)

	for _, id := range ids {
		if id < 0 || int(id) >= len(u.vocab.Values) {
			return "", fmt.Errorf("invalid token id: %d", id)
		}

		sb.WriteString(u.vocab.Values[id])
	}

	text := strings.ReplaceAll(sb.String(), unigramEscapedSpace, " ")
	return strings.TrimPrefix(text, " "), nil
}

func (u *Unigram) Is(id int32, special Special) bool {
	return u.vocab.Is(id, special)
}

func (u *Unigram) Vocabulary() *Vocabulary {
	return u.vocab
}
