package vstore

import (
	"context"
	"testing"

	"github.com/liliang-cn/agentdb/internal/encoding"
	"github.com/liliang-cn/agentdb/pkg/scoring"
)

func TestMemoryBackendInsertGetRoundTrip(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	id, err := b.Insert(ctx, &encoding.Record{Embedding: []float32{1, 2, 3}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Embedding) != 3 || got.Embedding[0] != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
	wantNorm := encoding.Norm([]float32{1, 2, 3})
	if got.Norm != wantNorm {
		t.Fatalf("Norm = %v, want %v", got.Norm, wantNorm)
	}
}

func TestMemoryBackendDimensionMismatch(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	if _, err := b.Insert(ctx, &encoding.Record{Embedding: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := b.Insert(ctx, &encoding.Record{Embedding: []float32{1, 2}}); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestMemoryBackendDelete(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	id, _ := b.Insert(ctx, &encoding.Record{Embedding: []float32{1}})
	ok, err := b.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if _, err := b.Get(ctx, id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryBackendSearchExactTopK(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	vectors := map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
		"c": {0, 0, 1},
	}
	for id, v := range vectors {
		if _, err := b.Insert(ctx, &encoding.Record{ID: id, Embedding: v}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	results, err := b.Search(ctx, []float32{1, 0, 0}, 2, scoring.Cosine, 0.0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Record.ID != "a" {
		t.Fatalf("expected 'a' first, got %s", results[0].Record.ID)
	}
}

func TestMemoryBackendInsertBatchAtomic(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	records := []*encoding.Record{
		{Embedding: []float32{1, 2}},
		{Embedding: []float32{3, 4}},
	}
	ids, err := b.InsertBatch(ctx, records)
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	stats, _ := b.Stats(ctx)
	if stats.Count != 2 {
		t.Fatalf("Count = %d, want 2", stats.Count)
	}
}
