package hnsw

import (
	"path/filepath"
	"testing"

	"github.com/liliang-cn/agentdb/pkg/scoring"
)

func TestSnapshotSaveLoadRoundTrip(t *testing.T) {
	source := newSource()
	idx := New(Config{M: 4, EfConstruction: 20, EfSearch: 20, Metric: scoring.Euclidean, Seed: 7}, source)
	for i := 0; i < 30; i++ {
		id := randID(i)
		vec := []float32{float32(i), float32(i * 2), float32(i % 5)}
		source.vectors[id] = vec
		if err := idx.Insert(id, vec); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := OpenSnapshotStore(path)
	if err != nil {
		t.Fatalf("OpenSnapshotStore: %v", err)
	}
	defer store.Close()

	if err := store.Save("shard1", idx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored, ok, err := store.Load("shard1", source, Config{M: 4, EfConstruction: 20, EfSearch: 20, Metric: scoring.Euclidean, Seed: 7})
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if restored.Size() != idx.Size() {
		t.Fatalf("restored size %d != original %d", restored.Size(), idx.Size())
	}

	results, err := restored.Search([]float32{10, 20, 0}, 5, 50)
	if err != nil {
		t.Fatalf("Search on restored index: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected non-empty search results on restored index")
	}
}

func TestSnapshotLoadMissingKeyReportsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := OpenSnapshotStore(path)
	if err != nil {
		t.Fatalf("OpenSnapshotStore: %v", err)
	}
	defer store.Close()

	_, ok, err := store.Load("missing", newSource(), Config{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}
