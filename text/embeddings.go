// Package text holds the frozen per-category text embeddings the
// decode head classifies pixels against.
package text

import (
	"container/heap"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/openvocab/maskclip/format"
)

// Embeddings is an immutable (categories, channels) matrix, one
// embedding row per category. Swapping categories means building a new
// Embeddings and replacing the reference, never mutating in place.
type Embeddings struct {
	categories int
	channels   int
	data       []float32
}

// New copies data into an Embeddings of the given dimensions.
func New(data []float32, categories, channels int) (*Embeddings, error) {
	if categories <= 0 || channels <= 0 {
		return nil, fmt.Errorf("text: invalid dimensions (%d, %d)", categories, channels)
	}
	if len(data) != categories*channels {
		return nil, fmt.Errorf("text: %d values cannot fill %d categories of %d channels", len(data), categories, channels)
	}

	return &Embeddings{
		categories: categories,
		channels:   channels,
		data:       append([]float32(nil), data...),
	}, nil
}

func (e *Embeddings) Categories() int { return e.categories }
func (e *Embeddings) Channels() int   { return e.channels }

// Row returns a copy of the embedding for category i.
func (e *Embeddings) Row(i int) []float32 {
	return append([]float32(nil), e.row(i)...)
}

// Data returns a copy of the full matrix in row-major order.
func (e *Embeddings) Data() []float32 {
	return append([]float32(nil), e.data...)
}

func (e *Embeddings) row(i int) []float32 {
	return e.data[i*e.channels : (i+1)*e.channels]
}

// Similarity pairs a category index with its cosine similarity to a
// query vector.
type Similarity struct {
	Category   int
	Similarity float64
}

type simHeap []Similarity

func (h simHeap) Len() int           { return len(h) }
func (h simHeap) Less(i, j int) bool { return h[i].Similarity < h[j].Similarity }
func (h simHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *simHeap) Push(e any) {
	*h = append(*h, e.(Similarity))
}

func (h *simHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Similar returns the k categories most similar to query by cosine
// similarity, best first. Fewer than k results come back when the
// store has fewer categories.
func (e *Embeddings) Similar(query []float32, k int) ([]Similarity, error) {
	if len(query) != e.channels {
		return nil, fmt.Errorf("text: query has %d channels, embeddings have %d", len(query), e.channels)
	}
	if k <= 0 {
		return nil, fmt.Errorf("text: k must be greater than 0")
	}

	q := vec(format.Normalize(append([]float32(nil), query...)))

	h := &simHeap{}
	heap.Init(h)
	for i := 0; i < e.categories; i++ {
		row := vec(e.row(i))

		var sim float64
		if norm := mat.Norm(row, 2); norm > 0 {
			sim = mat.Dot(q, row) / norm
		}

		heap.Push(h, Similarity{Category: i, Similarity: sim})
		if h.Len() > k {
			heap.Pop(h)
		}
	}

	topK := make([]Similarity, 0, h.Len())
	for h.Len() > 0 {
		topK = append(topK, heap.Pop(h).(Similarity))
	}
	sort.Slice(topK, func(i, j int) bool {
		return topK[i].Similarity > topK[j].Similarity
	})

	return topK, nil
}

func vec(v []float32) *mat.VecDense {
	f64 := make([]float64, len(v))
	for i, x := range v {
		f64[i] = float64(x)
	}
	return mat.NewVecDense(len(f64), f64)
}
