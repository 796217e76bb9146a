package hnsw

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/liliang-cn/agentdb/pkg/scoring"
)

type memSource struct {
	vectors map[string][]float32
}

func (m *memSource) GetVector(id string) ([]float32, bool) {
	v, ok := m.vectors[id]
	return v, ok
}

func newSource() *memSource {
	return &memSource{vectors: make(map[string][]float32)}
}

func TestInsertSearchSmall(t *testing.T) {
	src := newSource()
	idx := New(Config{M: 8, EfConstruction: 64, Metric: scoring.Euclidean}, src)

	vecs := map[string][]float32{
		"a": {0, 0, 0},
		"b": {1, 0, 0},
		"c": {10, 10, 10},
	}
	for id, v := range vecs {
		src.vectors[id] = v
		if err := idx.Insert(id, v); err != nil {
			t.Fatalf("Insert(%s): %v", id, err)
		}
	}

	results, err := idx.Search([]float32{0, 0, 0}, 2, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Fatalf("expected closest result 'a', got %s", results[0].ID)
	}
}

func TestSearchBeforeInsertFails(t *testing.T) {
	idx := New(Config{}, newSource())
	if _, err := idx.Search([]float32{1, 2, 3}, 1, 0); err != ErrNotBuilt {
		t.Fatalf("expected ErrNotBuilt, got %v", err)
	}
}

func TestDeleteRepairsBacklinks(t *testing.T) {
	src := newSource()
	idx := New(Config{M: 4, EfConstruction: 32, Metric: scoring.Euclidean}, src)
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i))
		v := []float32{float32(i), float32(i), float32(i)}
		src.vectors[id] = v
		if err := idx.Insert(id, v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	ok, err := idx.Delete("j")
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	for slot := range idx.slab {
		n := &idx.slab[slot]
		if n.deleted {
			continue
		}
		for _, layerNeighbors := range n.neighbors {
			for _, s := range layerNeighbors {
				if idx.slab[s].deleted {
					t.Fatalf("dangling neighbor reference to deleted slot %d", s)
				}
			}
		}
	}
	if _, err := idx.Search([]float32{9, 9, 9}, 5, 0); err != nil {
		t.Fatalf("Search after delete: %v", err)
	}
}

func TestHNSWRecallAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n, dim, k = 500, 16, 10
	src := newSource()
	idx := New(Config{M: 16, EfConstruction: 200, EfSearch: 100, Metric: scoring.Euclidean, MinVectorsForIndex: n}, src)

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()
		}
		id := randID(i)
		ids[i] = id
		src.vectors[id] = v
		if err := idx.Insert(id, v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	query := make([]float32, dim)
	for d := range query {
		query[d] = rng.Float32()
	}

	bruteForce := bruteForceTopK(src, ids, query, k)
	approx, err := idx.Search(query, k, 100)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	overlap := 0
	bfSet := make(map[string]bool, len(bruteForce))
	for _, id := range bruteForce {
		bfSet[id] = true
	}
	for _, r := range approx {
		if bfSet[r.ID] {
			overlap++
		}
	}
	if overlap < 7 {
		t.Fatalf("recall too low: overlap=%d/%d", overlap, k)
	}
}

func randID(i int) string {
	return "v" + strconv.Itoa(i)
}

func bruteForceTopK(src *memSource, ids []string, query []float32, k int) []string {
	type scored struct {
		id string
		d  float64
	}
	all := make([]scored, 0, len(ids))
	for _, id := range ids {
		v := src.vectors[id]
		all = append(all, scored{id: id, d: scoring.SquaredEuclidean(query, v)})
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].d < all[i].d {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	if len(all) > k {
		all = all[:k]
	}
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.id
	}
	return out
}
