package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/vector"
)

// BruteForce is the exact provider: a flat map scanned in full per search.
// O(n·d) per query. Used for small segments and as ground truth in tests.
type BruteForce struct{}

// Name implements Provider.
func (BruteForce) Name() string { return "bruteforce" }

// New implements Provider.
func (BruteForce) New(dim uint32, metric vector.Metric) (Handle, error) {
	if err := validateNew(dim, metric); err != nil {
		return nil, err
	}
	return &bruteHandle{
		dim:    dim,
		metric: metric,
		docs:   make(map[doc.ID]bruteEntry),
	}, nil
}

// Deserialize implements Provider.
func (BruteForce) Deserialize(b []byte) (Handle, error) {
	return deserializeHandle(b, providerBruteForce)
}

type bruteEntry struct {
	vec     vector.Vector // normalized for cosine
	payload doc.Payload
	fields  map[string]any
}

type bruteHandle struct {
	mu     sync.RWMutex
	dim    uint32
	metric vector.Metric
	docs   map[doc.ID]bruteEntry
}

func (h *bruteHandle) Metric() vector.Metric { return h.metric }
func (h *bruteHandle) Dim() uint32           { return h.dim }

func (h *bruteHandle) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.docs)
}

func (h *bruteHandle) Add(docs []doc.Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := validateBatch(docs, h.dim, func(id doc.ID) bool {
		_, ok := h.docs[id]
		return ok
	})
	if err != nil {
		return err
	}

	for _, d := range docs {
		vec := d.Vector
		if h.metric == vector.MetricCosine {
			vec = vector.Normalize(vec)
		} else {
			vec = vector.Clone(vec)
		}
		fields, _ := d.Payload.Fields()
		h.docs[d.ID] = bruteEntry{vec: vec, payload: d.Payload, fields: fields}
	}
	return nil
}

// Delete removes a document. The brute-force provider supports efficient
// deletes; the HNSW provider does not (tombstones handle it at tier level).
func (h *bruteHandle) Delete(id doc.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.docs[id]
	delete(h.docs, id)
	return ok
}

func (h *bruteHandle) Search(ctx context.Context, query vector.Vector, k int, filter *Filter) ([]Result, error) {
	if uint32(len(query)) != h.dim {
		return nil, fmt.Errorf("%w: query dimension %d, want %d", ErrValidation, len(query), h.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	if h.metric == vector.MetricCosine {
		query = vector.Normalize(query)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	top := newTopK(h.metric, k)
	i := 0
	for id, entry := range h.docs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		i++
		if filter != nil && !filter.Matches(entry.fields) {
			continue
		}
		top.Offer(Result{ID: id, Distance: vector.Distance(h.metric, query, entry.vec), Payload: entry.payload})
	}
	return top.Sorted(), nil
}

func (h *bruteHandle) Get(id doc.ID) (doc.Document, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.docs[id]
	if !ok {
		return doc.Document{}, false
	}
	return doc.Document{ID: id, Vector: entry.vec, Payload: entry.payload}, true
}

func (h *bruteHandle) Extract() []doc.Document {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]doc.Document, 0, len(h.docs))
	for id, entry := range h.docs {
		out = append(out, doc.Document{ID: id, Vector: entry.vec, Payload: entry.payload})
	}
	return out
}

func (h *bruteHandle) Serialize() ([]byte, error) {
	return serializeFlat(providerBruteForce, h.metric, h.dim, h.Extract())
}

var _ Handle = (*bruteHandle)(nil)
