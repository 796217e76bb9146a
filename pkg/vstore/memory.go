package vstore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/liliang-cn/agentdb/internal/encoding"
	"github.com/liliang-cn/agentdb/pkg/scoring"
)

// MemoryBackend keeps every record in process memory; it satisfies Backend
// with the same semantics as the persistent variant minus durability.
type MemoryBackend struct {
	mu        sync.RWMutex
	records   map[string]*encoding.Record
	dimension int
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*encoding.Record)}
}

func (b *MemoryBackend) Init(ctx context.Context) error { return nil }

func (b *MemoryBackend) Dimension() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dimension
}

func (b *MemoryBackend) Insert(ctx context.Context, record *encoding.Record) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertLocked(record)
}

func (b *MemoryBackend) insertLocked(record *encoding.Record) (string, error) {
	if b.dimension == 0 {
		b.dimension = len(record.Embedding)
	} else if len(record.Embedding) != b.dimension {
		return "", ErrDimensionMismatch
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Norm = encoding.Norm(record.Embedding)
	stored := *record
	b.records[record.ID] = &stored
	return record.ID, nil
}

func (b *MemoryBackend) InsertBatch(ctx context.Context, records []*encoding.Record) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Validate the whole batch against the established dimension before
	// mutating anything, for all-or-nothing commit semantics.
	dim := b.dimension
	for _, r := range records {
		if dim == 0 {
			dim = len(r.Embedding)
		} else if len(r.Embedding) != dim {
			return nil, ErrDimensionMismatch
		}
	}

	ids := make([]string, 0, len(records))
	for _, group := range splitRecords(records) {
		for _, r := range group {
			id, err := b.insertLocked(r)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func splitRecords(records []*encoding.Record) [][]*encoding.Record {
	var out [][]*encoding.Record
	for _, size := range chunks(len(records)) {
		out = append(out, records[:size])
		records = records[size:]
	}
	return out
}

func (b *MemoryBackend) Search(ctx context.Context, query []float32, k int, metric scoring.Metric, threshold float64) ([]Scored, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	queryNorm := scoring.Norm(query)
	records := make([]*encoding.Record, 0, len(b.records))
	for _, r := range b.records {
		records = append(records, r)
	}
	return bruteForceRank(records, query, queryNorm, k, metric, threshold), nil
}

func (b *MemoryBackend) Get(ctx context.Context, id string) (*encoding.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[id]; !ok {
		return false, nil
	}
	delete(b.records, id)
	return true, nil
}

func (b *MemoryBackend) All(ctx context.Context) ([]*encoding.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*encoding.Record, 0, len(b.records))
	for _, r := range b.records {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (b *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var size int64
	for _, r := range b.records {
		size += int64(4*len(r.Embedding) + 32)
	}
	return Stats{Count: int64(len(b.records)), OnDiskSizeBytes: size}, nil
}

func (b *MemoryBackend) Close() error { return nil }
