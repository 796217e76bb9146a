// Package vstore implements the storage backend: a keyed record store with
// persistent-file and in-memory variants exposing identical operations.
package vstore

import (
	"context"
	"errors"

	"github.com/liliang-cn/agentdb/internal/encoding"
	"github.com/liliang-cn/agentdb/pkg/scoring"
)

var (
	// ErrDimensionMismatch is returned when a record's length differs from
	// the shard's established dimension.
	ErrDimensionMismatch = errors.New("vstore: dimension mismatch")
	// ErrNotInitialized is returned when an operation runs before Open/Init.
	ErrNotInitialized = errors.New("vstore: backend not initialized")
	// ErrNotFound is returned by Get for an absent identity.
	ErrNotFound = errors.New("vstore: record not found")
)

// Scored pairs a record with its computed score for a search result.
type Scored struct {
	Record encoding.Record
	Score  float64
}

// Stats summarizes the backend's current footprint.
type Stats struct {
	Count         int64
	OnDiskSizeBytes int64
}

// Backend is the keyed record store contract shared by the persistent and
// in-memory variants.
type Backend interface {
	// Init prepares the backend for use (opening files, creating tables).
	Init(ctx context.Context) error
	// Insert assigns an id if record.ID is empty, recomputes its norm, and
	// overwrites any existing record under the same id.
	Insert(ctx context.Context, record *encoding.Record) (string, error)
	// InsertBatch splits the slice into chunks of up to chunkSize records to
	// bound peak memory; each chunk commits atomically, but a slice larger
	// than one chunk is not committed as a single unit.
	InsertBatch(ctx context.Context, records []*encoding.Record) ([]string, error)
	// Search performs a brute-force scan, scoring every record under metric,
	// applying the threshold filter, and returning the top-k best-first.
	Search(ctx context.Context, query []float32, k int, metric scoring.Metric, threshold float64) ([]Scored, error)
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*encoding.Record, error)
	// Delete removes id, reporting whether it was present.
	Delete(ctx context.Context, id string) (bool, error)
	// All iterates every live record, in no particular order, for bulk
	// operations such as HNSW rebuild or quantizer training.
	All(ctx context.Context) ([]*encoding.Record, error)
	// Stats reports count and footprint.
	Stats(ctx context.Context) (Stats, error)
	// Dimension returns the shard's established dimension, or 0 if unset.
	Dimension() int
	// Close releases resources held by the backend.
	Close() error
}

// chunkSize bounds the size of a single insert_batch transaction.
const chunkSize = 5000

func chunks(n int) []int {
	if n <= chunkSize {
		return []int{n}
	}
	var out []int
	for remaining := n; remaining > 0; remaining -= chunkSize {
		if remaining > chunkSize {
			out = append(out, chunkSize)
		} else {
			out = append(out, remaining)
		}
	}
	return out
}

// bruteForceRank scores every record and returns the top-k in best-first
// order for the metric, with deterministic lexicographic identity tiebreak.
func bruteForceRank(records []*encoding.Record, query []float32, queryNorm float64, k int, metric scoring.Metric, threshold float64) []Scored {
	results := make([]Scored, 0, len(records))
	for _, r := range records {
		score := scoring.Score(metric, query, r.Embedding, queryNorm, r.Norm)
		if !scoring.PassesThreshold(metric, score, threshold) {
			continue
		}
		results = append(results, Scored{Record: *r, Score: score})
	}
	sortScored(results, metric)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

func sortScored(results []Scored, metric scoring.Metric) {
	for i := 0; i < len(results); i++ {
		best := i
		for j := i + 1; j < len(results); j++ {
			if less(results[j], results[best], metric) {
				best = j
			}
		}
		if best != i {
			results[i], results[best] = results[best], results[i]
		}
	}
}

func less(a, b Scored, metric scoring.Metric) bool {
	if a.Score == b.Score {
		return a.Record.ID < b.Record.ID
	}
	return scoring.Better(metric, a.Score, b.Score)
}
