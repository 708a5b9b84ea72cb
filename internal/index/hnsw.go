package index

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/aifocal/akidb/internal/doc"
	"github.com/aifocal/akidb/internal/vector"
)

// HNSW defaults. M bounds the degree of non-zero layers (layer 0 allows
// 2M); efConstruction is the build-time beam width.
const (
	DefaultM              = 32
	DefaultEfConstruction = 200

	// ef_search presets.
	EfSearchFast       = 50
	EfSearchBalanced   = 100
	EfSearchHighRecall = 200
)

// hnswSeed makes builds reproducible; level assignment is the only random
// choice and it is persisted on serialize, so round-trips are exact.
const hnswSeed = 0x616b6964

// HNSWConfig tunes the graph.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// DefaultHNSWConfig returns the balanced preset.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: DefaultM, EfConstruction: DefaultEfConstruction, EfSearch: EfSearchBalanced}
}

// EfSearchPreset maps a preset name to a beam width.
func EfSearchPreset(name string) (int, error) {
	switch name {
	case "fast":
		return EfSearchFast, nil
	case "balanced":
		return EfSearchBalanced, nil
	case "high_recall":
		return EfSearchHighRecall, nil
	default:
		return 0, fmt.Errorf("unknown ef_search preset %q", name)
	}
}

// HNSW is the approximate provider: a hierarchical navigable small-world
// graph. Search recall is approximate (~95% at the balanced preset); the
// provider never silently substitutes exact search. Graph deletes are not
// supported — the tier layer writes tombstone segments and the query
// pipeline masks deleted ids.
type HNSW struct {
	Config HNSWConfig
}

// NewHNSW creates a provider with the given config; zero fields take
// defaults.
func NewHNSW(cfg HNSWConfig) HNSW {
	if cfg.M <= 0 {
		cfg.M = DefaultM
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = DefaultEfConstruction
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = EfSearchBalanced
	}
	return HNSW{Config: cfg}
}

// Name implements Provider.
func (HNSW) Name() string { return "hnsw" }

// New implements Provider.
func (p HNSW) New(dim uint32, metric vector.Metric) (Handle, error) {
	if err := validateNew(dim, metric); err != nil {
		return nil, err
	}
	cfg := NewHNSW(p.Config).Config
	return &hnswHandle{
		dim:      dim,
		metric:   metric,
		m:        cfg.M,
		maxM0:    cfg.M * 2,
		efC:      cfg.EfConstruction,
		efSearch: cfg.EfSearch,
		ml:       1 / math.Log(float64(cfg.M)),
		entry:    -1,
		byID:     make(map[doc.ID]uint32),
		rng:      rand.New(rand.NewSource(hnswSeed)),
	}, nil
}

// Deserialize implements Provider.
func (p HNSW) Deserialize(b []byte) (Handle, error) {
	return deserializeHandle(b, providerHNSW)
}

type hnswNode struct {
	id      doc.ID
	vec     vector.Vector
	payload doc.Payload
	fields  map[string]any

	// neighbors[l] is the adjacency list at layer l; len(neighbors)-1 is
	// the node's top layer.
	neighbors [][]uint32
}

type hnswHandle struct {
	mu       sync.RWMutex
	dim      uint32
	metric   vector.Metric
	m        int
	maxM0    int
	efC      int
	efSearch int
	ml       float64
	entry    int32
	maxLevel int
	nodes    []*hnswNode
	byID     map[doc.ID]uint32
	rng      *rand.Rand
}

func (h *hnswHandle) Metric() vector.Metric { return h.metric }
func (h *hnswHandle) Dim() uint32           { return h.dim }

func (h *hnswHandle) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *hnswHandle) randomLevel() int {
	u := h.rng.Float64()
	if u < 1e-12 {
		u = 1e-12
	}
	return int(math.Floor(-math.Log(u) * h.ml))
}

func (h *hnswHandle) dist(q vector.Vector, node uint32) float32 {
	return vector.Distance(h.metric, q, h.nodes[node].vec)
}

func (h *hnswHandle) Add(docs []doc.Document) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := validateBatch(docs, h.dim, func(id doc.ID) bool {
		_, ok := h.byID[id]
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
		h.insert(&hnswNode{id: d.ID, vec: vec, payload: d.Payload, fields: fields})
	}
	return nil
}

func (h *hnswHandle) insert(n *hnswNode) {
	level := h.randomLevel()
	n.neighbors = make([][]uint32, level+1)
	idx := uint32(len(h.nodes))
	h.nodes = append(h.nodes, n)
	h.byID[n.id] = idx

	if h.entry < 0 {
		h.entry = int32(idx)
		h.maxLevel = level
		return
	}

	ep := []uint32{uint32(h.entry)}

	// Greedy descent through layers above the node's level.
	for l := h.maxLevel; l > level; l-- {
		ep = []uint32{h.greedyClosest(n.vec, ep[0], l)}
	}

	// Beam search and connect at each layer the node participates in.
	top := level
	if top > h.maxLevel {
		top = h.maxLevel
	}
	for l := top; l >= 0; l-- {
		candidates := h.searchLayer(n.vec, ep, h.efC, l)
		selected := h.selectNeighbors(n.vec, candidates, h.m)
		n.neighbors[l] = append([]uint32(nil), selected...)

		maxDegree := h.m
		if l == 0 {
			maxDegree = h.maxM0
		}
		for _, peer := range selected {
			pn := h.nodes[peer]
			pn.neighbors[l] = append(pn.neighbors[l], idx)
			if len(pn.neighbors[l]) > maxDegree {
				pruned := h.selectNeighbors(pn.vec, pn.neighbors[l], maxDegree)
				pn.neighbors[l] = pruned
			}
		}
		ep = candidates
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = int32(idx)
	}
}

// greedyClosest walks layer l from start toward the query until no
// neighbor improves.
func (h *hnswHandle) greedyClosest(q vector.Vector, start uint32, l int) uint32 {
	cur := start
	curDist := h.dist(q, cur)
	for {
		improved := false
		for _, nb := range h.layerNeighbors(cur, l) {
			if d := h.dist(q, nb); h.metric.Less(d, curDist) {
				cur, curDist = nb, d
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

func (h *hnswHandle) layerNeighbors(node uint32, l int) []uint32 {
	n := h.nodes[node]
	if l >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[l]
}

// searchLayer runs beam search with width ef at layer l and returns the
// candidate set, unsorted.
func (h *hnswHandle) searchLayer(q vector.Vector, entryPoints []uint32, ef int, l int) []uint32 {
	visited := make(map[uint32]struct{}, ef*4)
	candidates := &distHeap{metric: h.metric, min: true}
	results := &distHeap{metric: h.metric, min: false}

	for _, ep := range entryPoints {
		if _, ok := visited[ep]; ok {
			continue
		}
		visited[ep] = struct{}{}
		d := h.dist(q, ep)
		heap.Push(candidates, cand{ep, d})
		heap.Push(results, cand{ep, d})
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(cand)
		if results.Len() >= ef && h.metric.Less(results.top().dist, c.dist) {
			break // best remaining candidate is worse than the worst kept result
		}
		for _, nb := range h.layerNeighbors(c.node, l) {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			d := h.dist(q, nb)
			if results.Len() < ef || h.metric.Less(d, results.top().dist) {
				heap.Push(candidates, cand{nb, d})
				heap.Push(results, cand{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]uint32, results.Len())
	for i := range out {
		out[i] = results.items[i].node
	}
	return out
}

// selectNeighbors keeps up to m diverse edges: a candidate is taken only if
// it is closer to the query point than to every already-selected neighbor.
// Remaining slots are filled with the nearest pruned candidates.
func (h *hnswHandle) selectNeighbors(q vector.Vector, candidates []uint32, m int) []uint32 {
	if len(candidates) <= m {
		return append([]uint32(nil), candidates...)
	}

	sorted := &distHeap{metric: h.metric, min: true}
	for _, c := range candidates {
		heap.Push(sorted, cand{c, h.dist(q, c)})
	}

	selected := make([]uint32, 0, m)
	var pruned []cand
	for sorted.Len() > 0 && len(selected) < m {
		c := heap.Pop(sorted).(cand)
		diverse := true
		for _, s := range selected {
			toSelected := vector.Distance(h.metric, h.nodes[c.node].vec, h.nodes[s].vec)
			if h.metric.Less(toSelected, c.dist) {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c.node)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		if len(selected) >= m {
			break
		}
		selected = append(selected, c.node)
	}
	return selected
}

func (h *hnswHandle) Search(ctx context.Context, query vector.Vector, k int, filter *Filter) ([]Result, error) {
	if uint32(len(query)) != h.dim {
		return nil, fmt.Errorf("%w: query dimension %d, want %d", ErrValidation, len(query), h.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.metric == vector.MetricCosine {
		query = vector.Normalize(query)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return nil, nil
	}

	ef := h.efSearch
	if ef < k {
		ef = k
	}

	ep := uint32(h.entry)
	for l := h.maxLevel; l >= 1; l-- {
		ep = h.greedyClosest(query, ep, l)
	}
	candidates := h.searchLayer(query, []uint32{ep}, ef, 0)

	top := newTopK(h.metric, k)
	matched := 0
	for _, c := range candidates {
		n := h.nodes[c]
		if filter != nil && !filter.Matches(n.fields) {
			continue
		}
		matched++
		top.Offer(Result{ID: n.id, Distance: h.dist(query, c), Payload: n.payload})
	}

	// Highly selective filter: the beam surfaced too few matches, so scan
	// the stored metadata instead of trusting the graph walk.
	if filter != nil && matched < k {
		top = newTopK(h.metric, k)
		for i, n := range h.nodes {
			if i%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			if !filter.Matches(n.fields) {
				continue
			}
			top.Offer(Result{ID: n.id, Distance: vector.Distance(h.metric, query, n.vec), Payload: n.payload})
		}
	}
	return top.Sorted(), nil
}

func (h *hnswHandle) Get(id doc.ID) (doc.Document, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx, ok := h.byID[id]
	if !ok {
		return doc.Document{}, false
	}
	n := h.nodes[idx]
	return doc.Document{ID: n.id, Vector: n.vec, Payload: n.payload}, true
}

func (h *hnswHandle) Extract() []doc.Document {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]doc.Document, 0, len(h.nodes))
	for _, n := range h.nodes {
		out = append(out, doc.Document{ID: n.id, Vector: n.vec, Payload: n.payload})
	}
	return out
}

func (h *hnswHandle) Serialize() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return serializeHNSW(h)
}

var _ Handle = (*hnswHandle)(nil)

// cand pairs a node with its distance to the current query.
type cand struct {
	node uint32
	dist float32
}

// distHeap is a heap of candidates. min=true pops the best-ranked distance
// first; min=false keeps the worst on top for bounded result sets.
type distHeap struct {
	metric vector.Metric
	min    bool
	items  []cand
}

func (h *distHeap) Len() int { return len(h.items) }
func (h *distHeap) Less(i, j int) bool {
	if h.min {
		return h.metric.Less(h.items[i].dist, h.items[j].dist)
	}
	return h.metric.Less(h.items[j].dist, h.items[i].dist)
}
func (h *distHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *distHeap) Push(x any)    { h.items = append(h.items, x.(cand)) }
func (h *distHeap) Pop() any {
	old := h.items
	n := len(old)
	x := old[n-1]
	h.items = old[:n-1]
	return x
}
func (h *distHeap) top() cand { return h.items[0] }
