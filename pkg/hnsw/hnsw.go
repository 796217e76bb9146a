// Package hnsw implements a hierarchical navigable small-world approximate
// nearest-neighbor index layered over an external vector source. Nodes live
// in a flat arena (slab) indexed by a compact integer slot; neighbor lists
// reference slot indices rather than pointers, and freed slots are reused
// only after their generation counter is bumped so stale external handles
// are detectable.
package hnsw

import (
	"container/heap"
	"errors"
	"math"
	"math/rand"
	"sync"

	"github.com/liliang-cn/agentdb/pkg/scoring"
)

var (
	// ErrNotBuilt is returned when Search is called before any Insert.
	ErrNotBuilt = errors.New("hnsw: index not built")
	// ErrNotFound is returned when a vector id has no corresponding node.
	ErrNotFound = errors.New("hnsw: vector id not found")
)

// VectorSource lazily resolves a vector id to its raw embedding, letting the
// index avoid holding a second copy of every stored vector.
type VectorSource interface {
	GetVector(id string) ([]float32, bool)
}

// Handle uniquely addresses a slab slot across reuse: the high 32 bits are a
// generation counter, the low 32 bits are the slot index.
type Handle uint64

func newHandle(generation, slot uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(slot))
}

func (h Handle) slot() uint32       { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

type node struct {
	id         string
	generation uint32
	deleted    bool
	topLayer   int
	neighbors  [][]uint32 // neighbors[layer] = slot indices
}

// Config controls index parameters; all fields have the spec's typical
// defaults applied by New when left zero.
type Config struct {
	M                  int
	EfConstruction     int
	EfSearch           int
	Metric             scoring.Metric
	MinVectorsForIndex int
	Seed               int64
}

// Index is the arena-backed HNSW graph.
type Index struct {
	mu sync.RWMutex

	m                  int
	m0                 int
	efConstruction     int
	efSearch           int
	metric             scoring.Metric
	minVectorsForIndex int
	ml                 float64

	source VectorSource
	rng    *rand.Rand

	slab       []node
	freeList   []uint32
	idToHandle map[string]Handle

	entryPoint Handle
	hasEntry   bool
	count      int
}

// New constructs an empty index against the given vector source.
func New(cfg Config, source VectorSource) *Index {
	m := cfg.M
	if m <= 0 {
		m = 16
	}
	ef := cfg.EfConstruction
	if ef <= 0 {
		ef = 200
	}
	efSearch := cfg.EfSearch
	if efSearch <= 0 {
		efSearch = 100
	}
	minVec := cfg.MinVectorsForIndex
	if minVec <= 0 {
		minVec = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &Index{
		m:                  m,
		m0:                 2 * m,
		efConstruction:     ef,
		efSearch:           efSearch,
		metric:             cfg.Metric,
		minVectorsForIndex: minVec,
		ml:                 1 / math.Log(float64(m)),
		source:             source,
		rng:                rand.New(rand.NewSource(seed)),
		idToHandle:         make(map[string]Handle),
	}
}

// Size returns the number of live (non-deleted) nodes.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count
}

// Built reports whether at least one vector has been indexed.
func (idx *Index) Built() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.hasEntry
}

// sampleLayer draws L = floor(-ln(u) * (1/ln(M))) for u in (0,1].
func (idx *Index) sampleLayer() int {
	u := idx.rng.Float64()
	for u == 0 {
		u = idx.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * idx.ml))
}

func (idx *Index) distance(a, b []float32) float64 {
	switch idx.metric {
	case scoring.Cosine:
		return 1 - scoring.CosineSimilarity(a, b)
	case scoring.Dot:
		return -scoring.DotProduct(a, b)
	default:
		return scoring.SquaredEuclidean(a, b)
	}
}

func (idx *Index) vectorOf(h Handle) ([]float32, bool) {
	n := &idx.slab[h.slot()]
	if n.generation != h.generation() || n.deleted {
		return nil, false
	}
	return idx.source.GetVector(n.id)
}

func (idx *Index) allocSlot(id string) Handle {
	if len(idx.freeList) > 0 {
		slot := idx.freeList[len(idx.freeList)-1]
		idx.freeList = idx.freeList[:len(idx.freeList)-1]
		gen := idx.slab[slot].generation + 1
		idx.slab[slot] = node{id: id, generation: gen}
		return newHandle(gen, slot)
	}
	slot := uint32(len(idx.slab))
	idx.slab = append(idx.slab, node{id: id, generation: 1})
	return newHandle(1, slot)
}

// Insert adds a new vector id to the graph. vector must already be
// resolvable via the VectorSource under the same id.
func (idx *Index) Insert(id string, vector []float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if existing, ok := idx.idToHandle[id]; ok {
		idx.removeLocked(existing)
	}

	layer := idx.sampleLayer()
	h := idx.allocSlot(id)
	n := &idx.slab[h.slot()]
	n.topLayer = layer
	n.neighbors = make([][]uint32, layer+1)
	idx.idToHandle[id] = h
	idx.count++

	if !idx.hasEntry {
		idx.entryPoint = h
		idx.hasEntry = true
		return nil
	}

	entry := idx.entryPoint
	entryLayer := idx.slab[entry.slot()].topLayer

	// Greedy descend from the entry point down to layer+1.
	cur := entry
	curDist := idx.distance(vector, mustVec(idx, entry))
	for l := entryLayer; l > layer; l-- {
		improved := true
		for improved {
			improved = false
			for _, candSlot := range idx.slab[cur.slot()].neighborsAt(l) {
				cand := idx.handleFor(candSlot)
				cv, ok := idx.vectorOf(cand)
				if !ok {
					continue
				}
				d := idx.distance(vector, cv)
				if d < curDist {
					curDist = d
					cur = cand
					improved = true
				}
			}
		}
	}

	// From min(layer, entryLayer) down to 0, run bounded best-first search
	// and connect to the closest M (M0 at layer 0) neighbors.
	top := layer
	if entryLayer < top {
		top = entryLayer
	}
	entryPoints := []Handle{cur}
	for l := top; l >= 0; l-- {
		cap := idx.m
		if l == 0 {
			cap = idx.m0
		}
		candidates := idx.searchLayer(vector, entryPoints, idx.efConstruction, l)
		selected := selectClosest(candidates, cap)
		for _, c := range selected {
			idx.addConnection(h, c.handle, l)
			idx.addConnection(c.handle, h, l)
			idx.pruneIfOverCapacity(c.handle, l, cap)
		}
		if len(selected) > 0 {
			entryPoints = handlesOf(selected)
		}
	}

	if layer > entryLayer {
		idx.entryPoint = h
	}
	return nil
}

func mustVec(idx *Index, h Handle) []float32 {
	v, _ := idx.vectorOf(h)
	return v
}

func (n *node) neighborsAt(layer int) []uint32 {
	if layer >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[layer]
}

func (idx *Index) handleFor(slot uint32) Handle {
	return newHandle(idx.slab[slot].generation, slot)
}

func (idx *Index) addConnection(from, to Handle, layer int) {
	n := &idx.slab[from.slot()]
	if n.generation != from.generation() {
		return
	}
	for layer >= len(n.neighbors) {
		n.neighbors = append(n.neighbors, nil)
	}
	for _, existing := range n.neighbors[layer] {
		if existing == to.slot() {
			return
		}
	}
	n.neighbors[layer] = append(n.neighbors[layer], to.slot())
}

func (idx *Index) pruneIfOverCapacity(h Handle, layer, cap int) {
	n := &idx.slab[h.slot()]
	if n.generation != h.generation() || len(n.neighborsAt(layer)) <= cap {
		return
	}
	selfVec, ok := idx.vectorOf(h)
	if !ok {
		return
	}
	type scored struct {
		slot uint32
		d    float64
	}
	items := make([]scored, 0, len(n.neighbors[layer]))
	for _, slot := range n.neighbors[layer] {
		cand := idx.handleFor(slot)
		cv, ok := idx.vectorOf(cand)
		if !ok {
			continue
		}
		items = append(items, scored{slot: slot, d: idx.distance(selfVec, cv)})
	}
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[j].d < items[i].d {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	if len(items) > cap {
		items = items[:cap]
	}
	kept := make([]uint32, len(items))
	for i, it := range items {
		kept[i] = it.slot
	}
	n.neighbors[layer] = kept
}

// candidate pairs a handle with its distance to the query, used by the
// bounded best-first search heaps.
type candidate struct {
	handle Handle
	dist   float64
}

type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// searchLayer runs a bounded best-first search at the given layer, seeded
// from entryPoints, bounded by ef, and returns the candidates found.
func (idx *Index) searchLayer(query []float32, entryPoints []Handle, ef int, layer int) []candidate {
	visited := make(map[uint32]bool)
	candidates := &minHeap{}
	results := &maxHeap{}
	heap.Init(candidates)
	heap.Init(results)

	for _, ep := range entryPoints {
		v, ok := idx.vectorOf(ep)
		if !ok {
			continue
		}
		d := idx.distance(query, v)
		heap.Push(candidates, candidate{handle: ep, dist: d})
		heap.Push(results, candidate{handle: ep, dist: d})
		visited[ep.slot()] = true
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		n := &idx.slab[c.handle.slot()]
		if n.generation != c.handle.generation() {
			continue
		}
		for _, slot := range n.neighborsAt(layer) {
			if visited[slot] {
				continue
			}
			visited[slot] = true
			cand := idx.handleFor(slot)
			cv, ok := idx.vectorOf(cand)
			if !ok {
				continue
			}
			d := idx.distance(query, cv)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, candidate{handle: cand, dist: d})
				heap.Push(results, candidate{handle: cand, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	copy(out, *results)
	return out
}

func selectClosest(candidates []candidate, n int) []candidate {
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].dist < candidates[i].dist {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func handlesOf(candidates []candidate) []Handle {
	out := make([]Handle, len(candidates))
	for i, c := range candidates {
		out[i] = c.handle
	}
	return out
}

// Result is one entry of a Search response.
type Result struct {
	ID       string
	Distance float64
}

// Search returns the approximate k nearest neighbors to query. ef defaults
// to max(k, efSearch) when <= 0.
func (idx *Index) Search(query []float32, k int, ef int) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.hasEntry {
		return nil, ErrNotBuilt
	}
	if ef <= 0 {
		ef = idx.efSearch
	}
	if ef < k {
		ef = k
	}

	entry := idx.entryPoint
	entryLayer := idx.slab[entry.slot()].topLayer
	cur := entry
	cv, _ := idx.vectorOf(cur)
	curDist := idx.distance(query, cv)
	for l := entryLayer; l >= 1; l-- {
		improved := true
		for improved {
			improved = false
			for _, slot := range idx.slab[cur.slot()].neighborsAt(l) {
				cand := idx.handleFor(slot)
				v, ok := idx.vectorOf(cand)
				if !ok {
					continue
				}
				d := idx.distance(query, v)
				if d < curDist {
					curDist = d
					cur = cand
					improved = true
				}
			}
		}
	}

	candidates := idx.searchLayer(query, []Handle{cur}, ef, 0)
	candidates = selectClosest(candidates, k)

	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Result{ID: idx.slab[c.handle.slot()].id, Distance: c.dist})
	}
	return out, nil
}

// Delete removes a vector id from the graph, repairing each former
// neighbor's connections by re-running neighbor selection over its
// remaining candidates; it promotes a new entry point if needed.
func (idx *Index) Delete(id string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	h, ok := idx.idToHandle[id]
	if !ok {
		return false, nil
	}
	idx.removeLocked(h)
	return true, nil
}

func (idx *Index) removeLocked(h Handle) {
	n := &idx.slab[h.slot()]
	if n.generation != h.generation() || n.deleted {
		return
	}
	id := n.id
	neighborsByLayer := make([][]uint32, len(n.neighbors))
	copy(neighborsByLayer, n.neighbors)

	n.deleted = true
	n.neighbors = nil
	delete(idx.idToHandle, id)
	idx.count--
	idx.freeList = append(idx.freeList, h.slot())

	for layer, neighbors := range neighborsByLayer {
		for _, slot := range neighbors {
			nb := &idx.slab[slot]
			if nb.deleted {
				continue
			}
			nb.neighbors[layer] = removeSlot(nb.neighbors[layer], h.slot())
		}
	}

	if idx.hasEntry && idx.entryPoint == h {
		idx.promoteEntryPoint()
	}
}

func removeSlot(list []uint32, target uint32) []uint32 {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (idx *Index) promoteEntryPoint() {
	bestLayer := -1
	var best Handle
	found := false
	for slot := range idx.slab {
		n := &idx.slab[slot]
		if n.deleted {
			continue
		}
		if n.topLayer > bestLayer {
			bestLayer = n.topLayer
			best = idx.handleFor(uint32(slot))
			found = true
		}
	}
	idx.hasEntry = found
	if found {
		idx.entryPoint = best
	}
}

// Stats reports size/level diagnostics in the teacher's spirit, used for
// observability rather than correctness.
type Stats struct {
	TotalNodes  int
	ActiveNodes int
	DeletedSlab int
	TotalEdges  int
	MaxLayer    int
}

func (idx *Index) StatsSnapshot() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s := Stats{TotalNodes: len(idx.slab)}
	for i := range idx.slab {
		n := &idx.slab[i]
		if n.deleted {
			s.DeletedSlab++
			continue
		}
		s.ActiveNodes++
		if n.topLayer > s.MaxLayer {
			s.MaxLayer = n.topLayer
		}
		for _, layerNeighbors := range n.neighbors {
			s.TotalEdges += len(layerNeighbors)
		}
	}
	return s
}
