package hnsw

import (
	"encoding/json"
	"fmt"
	"math"

	bolt "go.etcd.io/bbolt"
)

var snapshotBucket = []byte("hnsw_snapshots")

// wireNode is the serializable projection of a slab node.
type wireNode struct {
	ID         string     `json:"id"`
	Generation uint32     `json:"generation"`
	Deleted    bool       `json:"deleted"`
	TopLayer   int        `json:"top_layer"`
	Neighbors  [][]uint32 `json:"neighbors"`
}

// snapshot is the full serializable state of an Index.
type snapshot struct {
	M                  int        `json:"m"`
	EfConstruction     int        `json:"ef_construction"`
	EfSearch           int        `json:"ef_search"`
	MinVectorsForIndex int        `json:"min_vectors_for_index"`
	Slab               []wireNode `json:"slab"`
	FreeList           []uint32   `json:"free_list"`
	EntryPoint         Handle     `json:"entry_point"`
	HasEntry           bool       `json:"has_entry"`
	Count              int        `json:"count"`
}

// SnapshotStore persists whole-graph snapshots keyed by an arbitrary id
// (typically a shard id), backed by a single bbolt file shared across shards.
type SnapshotStore struct {
	db *bolt.DB
}

// OpenSnapshotStore opens (creating if needed) a bbolt-backed snapshot store.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("hnsw: open snapshot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Close() error { return s.db.Close() }

// Save serializes idx's full graph state under key.
func (s *SnapshotStore) Save(key string, idx *Index) error {
	idx.mu.RLock()
	snap := snapshot{
		M:                  idx.m,
		EfConstruction:     idx.efConstruction,
		EfSearch:           idx.efSearch,
		MinVectorsForIndex: idx.minVectorsForIndex,
		FreeList:           append([]uint32(nil), idx.freeList...),
		EntryPoint:         idx.entryPoint,
		HasEntry:           idx.hasEntry,
		Count:              idx.count,
	}
	snap.Slab = make([]wireNode, len(idx.slab))
	for i, n := range idx.slab {
		neighbors := make([][]uint32, len(n.neighbors))
		for l, ns := range n.neighbors {
			neighbors[l] = append([]uint32(nil), ns...)
		}
		snap.Slab[i] = wireNode{
			ID: n.id, Generation: n.generation, Deleted: n.deleted,
			TopLayer: n.topLayer, Neighbors: neighbors,
		}
	}
	idx.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("hnsw: marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put([]byte(key), data)
	})
}

// Load restores a previously-Saved graph into a fresh Index built against
// source. The returned Index shares no state with the one that was saved.
func (s *SnapshotStore) Load(key string, source VectorSource, cfg Config) (*Index, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(snapshotBucket).Get([]byte(key))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("hnsw: unmarshal snapshot: %w", err)
	}

	idx := New(cfg, source)
	idx.m = snap.M
	idx.m0 = 2 * snap.M
	idx.ml = 1 / math.Log(float64(snap.M))
	idx.efConstruction = snap.EfConstruction
	idx.efSearch = snap.EfSearch
	idx.minVectorsForIndex = snap.MinVectorsForIndex
	idx.freeList = append([]uint32(nil), snap.FreeList...)
	idx.entryPoint = snap.EntryPoint
	idx.hasEntry = snap.HasEntry
	idx.count = snap.Count
	idx.idToHandle = make(map[string]Handle, len(snap.Slab))

	idx.slab = make([]node, len(snap.Slab))
	for i, wn := range snap.Slab {
		neighbors := make([][]uint32, len(wn.Neighbors))
		for l, ns := range wn.Neighbors {
			neighbors[l] = append([]uint32(nil), ns...)
		}
		idx.slab[i] = node{
			id: wn.ID, generation: wn.Generation, deleted: wn.Deleted,
			topLayer: wn.TopLayer, neighbors: neighbors,
		}
		if !wn.Deleted {
			idx.idToHandle[wn.ID] = newHandle(wn.Generation, uint32(i))
		}
	}
	return idx, true, nil
}
