package vstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/liliang-cn/agentdb/internal/encoding"
)

func openTestSQLiteBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentdb.db")
	b := NewSQLiteBackend(DefaultSQLiteOptions(path))
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteBackendInsertGetRoundTrip(t *testing.T) {
	b := openTestSQLiteBackend(t)
	ctx := context.Background()
	id, err := b.Insert(ctx, &encoding.Record{Embedding: []float32{1, 2, 3}, Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Embedding) != 3 || got.Metadata["k"] != "v" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestSQLiteBackendDimensionMismatch(t *testing.T) {
	b := openTestSQLiteBackend(t)
	ctx := context.Background()
	if _, err := b.Insert(ctx, &encoding.Record{Embedding: []float32{1, 2, 3}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := b.Insert(ctx, &encoding.Record{Embedding: []float32{1}}); err != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentdb.db")
	ctx := context.Background()

	b1 := NewSQLiteBackend(DefaultSQLiteOptions(path))
	if err := b1.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	id, err := b1.Insert(ctx, &encoding.Record{Embedding: []float32{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2 := NewSQLiteBackend(DefaultSQLiteOptions(path))
	if err := b2.Init(ctx); err != nil {
		t.Fatalf("reopen Init: %v", err)
	}
	defer b2.Close()
	got, err := b2.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if len(got.Embedding) != 4 {
		t.Fatalf("unexpected embedding after reopen: %v", got.Embedding)
	}
}
