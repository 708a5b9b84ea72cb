// Package index provides the ANN index contract and its two providers:
// exact brute-force scan and an HNSW graph.
package index

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/storage/segment"
	"github.com/aifocal/akidb/internal/vector"
)

// ErrValidation marks caller-input errors (dimension mismatch, duplicate
// ids, invalid filter). Wrapped so the engine can classify with errors.Is.
var ErrValidation = errors.New("index: validation")

// Result is one search hit.
type Result struct {
	ID       doc.ID
	Distance float32
	Payload  doc.Payload
}

// Handle is an immutable-once-published index over one or more segments.
// Implementations are safe for concurrent search; Add is confined to the
// building phase (the collection's writer task).
type Handle interface {
	// Metric returns the distance metric the index was built with.
	Metric() vector.Metric

	// Dim returns the vector dimension.
	Dim() uint32

	// Len returns the number of indexed documents.
	Len() int

	// Add inserts a batch. Rejects dimension mismatches and ids that
	// duplicate either the batch or the existing contents.
	Add(docs []doc.Document) error

	// Search returns the top-k results ordered by the metric's direction,
	// ties broken by ascending DocID. An empty index returns an empty
	// result; k=0 returns an empty result without error.
	Search(ctx context.Context, query vector.Vector, k int, filter *Filter) ([]Result, error)

	// Get returns the stored document for an id.
	Get(id doc.ID) (doc.Document, bool)

	// Serialize encodes the handle for transport or caching.
	Serialize() ([]byte, error)

	// Extract returns all stored documents, order unspecified.
	Extract() []doc.Document
}

// Provider constructs handles of one index kind.
type Provider interface {
	// Name identifies the provider ("bruteforce" or "hnsw").
	Name() string

	// New creates an empty handle.
	New(dim uint32, metric vector.Metric) (Handle, error)

	// Deserialize restores a handle serialized by the same provider.
	Deserialize(b []byte) (Handle, error)
}

// validateNew rejects impossible index shapes at construction.
func validateNew(dim uint32, metric vector.Metric) error {
	if dim == 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrValidation)
	}
	if !metric.Valid() {
		return fmt.Errorf("%w: unknown metric", ErrValidation)
	}
	return nil
}

// validateBatch applies the shared add-batch contract.
func validateBatch(docs []doc.Document, dim uint32, exists func(doc.ID) bool) error {
	seen := make(map[doc.ID]struct{}, len(docs))
	for i, d := range docs {
		if uint32(len(d.Vector)) != dim {
			return fmt.Errorf("%w: document %s has dimension %d, want %d",
				ErrValidation, d.ID, len(d.Vector), dim)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: duplicate id %s in batch (position %d)", ErrValidation, d.ID, i)
		}
		seen[d.ID] = struct{}{}
		if exists(d.ID) {
			return fmt.Errorf("%w: id %s already indexed", ErrValidation, d.ID)
		}
		if len(d.Payload) > 0 && !d.Payload.Valid() {
			return fmt.Errorf("%w: document %s payload is not valid JSON", ErrValidation, d.ID)
		}
	}
	return nil
}

// Less orders results for a metric: by distance in the metric's direction,
// then by ascending DocID for stability.
func Less(m vector.Metric, a, b Result) bool {
	if a.Distance != b.Distance {
		return m.Less(a.Distance, b.Distance)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// topK is a bounded max-heap of the k best results seen so far: the worst
// kept result sits on top so it can be evicted in O(log k).
type topK struct {
	metric  vector.Metric
	k       int
	results []Result
}

func newTopK(metric vector.Metric, k int) *topK {
	return &topK{metric: metric, k: k}
}

func (h *topK) Len() int           { return len(h.results) }
func (h *topK) Less(i, j int) bool { return Less(h.metric, h.results[j], h.results[i]) }
func (h *topK) Swap(i, j int)      { h.results[i], h.results[j] = h.results[j], h.results[i] }
func (h *topK) Push(x any)         { h.results = append(h.results, x.(Result)) }
func (h *topK) Pop() any {
	old := h.results
	n := len(old)
	x := old[n-1]
	h.results = old[:n-1]
	return x
}

// Offer considers a candidate, keeping only the best k.
func (h *topK) Offer(r Result) {
	if h.k == 0 {
		return
	}
	if len(h.results) < h.k {
		heap.Push(h, r)
		return
	}
	if Less(h.metric, r, h.results[0]) {
		h.results[0] = r
		heap.Fix(h, 0)
	}
}

// Sorted drains the heap into best-first order.
func (h *topK) Sorted() []Result {
	out := make([]Result, len(h.results))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	return out
}

// MergeTopK merges per-segment result lists into one global top-k using a
// bounded heap. Input lists need not be sorted.
func MergeTopK(metric vector.Metric, k int, lists ...[]Result) []Result {
	h := newTopK(metric, k)
	for _, list := range lists {
		for _, r := range list {
			h.Offer(r)
		}
	}
	return h.Sorted()
}

// FromSegment builds a handle over one decoded segment.
func FromSegment(p Provider, data *segment.Data, info *segment.Info) (Handle, error) {
	h, err := p.New(info.Dimension, info.Metric)
	if err != nil {
		return nil, err
	}
	docs := make([]doc.Document, len(data.IDs))
	for i := range data.IDs {
		docs[i] = doc.Document{ID: data.IDs[i], Vector: data.Vectors[i], Payload: data.Payloads[i]}
	}
	if err := h.Add(docs); err != nil {
		return nil, err
	}
	return h, nil
}
