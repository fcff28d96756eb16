// Package vector provides an in-memory store of pooled encoder
// embeddings with cosine similarity search.
package vector

import (
	"container/heap"
	"errors"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/t5go/t5go/ml/nn/pooling"
	"github.com/t5go/t5go/model"
	"github.com/t5go/t5go/model/input"
	"github.com/t5go/t5go/tokenizer"
)

// Model is the part of an encoder-decoder bundle the embedder uses: the
// encoder stack and the tokenizer.
type Model interface {
	model.EncoderDecoder
	tokenizer.TextProcessor
}

// Embedder turns text into a fixed width vector.
type Embedder interface {
	Embed(text string) ([]float32, error)
}

type modelEmbedder struct {
	m Model
}

// NewEmbedder pools encoder outputs from m into fixed width vectors.
func NewEmbedder(m Model) Embedder {
	return &modelEmbedder{m: m}
}

func (e *modelEmbedder) Embed(text string) ([]float32, error) {
	ids, err := e.m.Encode(text, true)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, errors.New("vector: text produced no tokens")
	}

	ctx := e.m.Backend().NewContext()
	defer ctx.Close()

	enc, err := model.Encode(ctx, e.m, input.Batch{
		EncoderInputs: ctx.Input().FromInts(ids, len(ids), 1),
	})
	if err != nil {
		return nil, err
	}

	return pooling.TypeMean.Forward(ctx, enc).Floats(), nil
}

type entry struct {
	vec  *mat.VecDense
	norm float64
}

// Store maps ids to embeddings. It is safe for concurrent use.
type Store struct {
	embedder Embedder

	mu      sync.RWMutex
	entries map[string]entry
}

func NewStore(embedder Embedder) *Store {
	return &Store{
		embedder: embedder,
		entries:  make(map[string]entry),
	}
}

// Add embeds text and stores the vector under id, replacing any earlier
// entry with the same id.
func (s *Store) Add(id, text string) error {
	if id == "" {
		return errors.New("vector: id must not be empty")
	}

	v, err := s.embedder.Embed(text)
	if err != nil {
		return err
	}

	vec := mat.NewVecDense(len(v), toFloat64(v))

	s.mu.Lock()
	s.entries[id] = entry{vec: vec, norm: mat.Norm(vec, 2)}
	s.mu.Unlock()

	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

// Match is one search result.
type Match struct {
	ID    string
	Score float64
}

// less orders matches worst first so the heap root is the weakest kept
// match: lower score first, larger id first on equal scores.
func less(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}

	return a.ID > b.ID
}

type matchHeap []Match

func (h matchHeap) Len() int           { return len(h) }
func (h matchHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h matchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *matchHeap) Push(x any) {
	*h = append(*h, x.(Match))
}

func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}

// Search embeds query and returns the k entries nearest to it by cosine
// similarity, best first. Ties break toward the smaller id. Fewer than k
// results are returned when the store is smaller than k.
func (s *Store) Search(query string, k int) ([]Match, error) {
	if k < 1 {
		return nil, errors.New("vector: k must be at least 1")
	}

	v, err := s.embedder.Embed(query)
	if err != nil {
		return nil, err
	}

	qv := mat.NewVecDense(len(v), toFloat64(v))
	qn := mat.Norm(qv, 2)

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := &matchHeap{}
	for id, e := range s.entries {
		// a zero vector is not similar to anything
		var score float64
		if qn > 0 && e.norm > 0 {
			score = mat.Dot(qv, e.vec) / (qn * e.norm)
		}

		m := Match{ID: id, Score: score}
		switch {
		case h.Len() < k:
			heap.Push(h, m)
		case less((*h)[0], m):
			(*h)[0] = m
			heap.Fix(h, 0)
		}
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}

	return out, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}

	return out
}
