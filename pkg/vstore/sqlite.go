package vstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/liliang-cn/agentdb/internal/encoding"
	"github.com/liliang-cn/agentdb/pkg/scoring"
	_ "modernc.org/sqlite"
)

// SQLiteOptions tunes the persistent backend's journaling and memory-mapped
// read behavior.
type SQLiteOptions struct {
	Path string
	// MmapSizeBytes sizes SQLite's memory-mapped read-only view of the
	// database file; 0 disables mmap reads.
	MmapSizeBytes int64
	PageSizeBytes int
}

// DefaultSQLiteOptions matches the spec's defaults: write-ahead journal,
// 4 KiB pages, a 256 MiB memory-mapped read window.
func DefaultSQLiteOptions(path string) SQLiteOptions {
	return SQLiteOptions{Path: path, MmapSizeBytes: 256 << 20, PageSizeBytes: 4096}
}

// SQLiteBackend is the durable, crash-safe storage variant: a single SQLite
// file holding the on-disk record layout from the spec's external
// interfaces section, guarded against concurrent-process access by an
// advisory file lock.
type SQLiteBackend struct {
	opts      SQLiteOptions
	db        *sql.DB
	lock      *flock.Flock
	dimension int
}

// NewSQLiteBackend constructs (without opening) a persistent backend.
func NewSQLiteBackend(opts SQLiteOptions) *SQLiteBackend {
	return &SQLiteBackend{opts: opts}
}

func (b *SQLiteBackend) Init(ctx context.Context) error {
	b.lock = flock.New(b.opts.Path + ".lock")
	locked, err := b.lock.TryLock()
	if err != nil {
		return fmt.Errorf("vstore: acquire file lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("vstore: database %s is locked by another process", b.opts.Path)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", b.opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("vstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer-per-shard; modernc.org/sqlite is not safe for concurrent writers on one handle
	db.SetConnMaxLifetime(2 * time.Hour)
	b.db = db

	if b.opts.PageSizeBytes > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA page_size = %d", b.opts.PageSizeBytes)); err != nil {
			return err
		}
	}
	if b.opts.MmapSizeBytes > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA mmap_size = %d", b.opts.MmapSizeBytes)); err != nil {
			return err
		}
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			identity  TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			norm      REAL NOT NULL,
			metadata  TEXT,
			timestamp INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("vstore: create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_records_norm ON records(norm)`); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_records_timestamp ON records(timestamp)`); err != nil {
		return err
	}

	var count int
	var dim int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(LENGTH(embedding)/4), 0) FROM records`)
	if err := row.Scan(&count, &dim); err != nil {
		return err
	}
	b.dimension = dim
	return nil
}

func (b *SQLiteBackend) Dimension() int { return b.dimension }

func (b *SQLiteBackend) Insert(ctx context.Context, record *encoding.Record) (string, error) {
	if b.dimension != 0 && len(record.Embedding) != b.dimension {
		return "", ErrDimensionMismatch
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.Norm = encoding.Norm(record.Embedding)
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixMicro()
	}
	vecBytes, err := encoding.EncodeVector(record.Embedding)
	if err != nil {
		return "", err
	}
	metaStr, err := encoding.EncodeMetadata(record.Metadata)
	if err != nil {
		return "", err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO records (identity, embedding, norm, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			embedding = excluded.embedding,
			norm = excluded.norm,
			metadata = excluded.metadata,
			timestamp = excluded.timestamp
	`, record.ID, vecBytes, record.Norm, nullableString(metaStr), record.Timestamp)
	if err != nil {
		return "", fmt.Errorf("vstore: insert: %w", err)
	}
	if b.dimension == 0 {
		b.dimension = len(record.Embedding)
	}
	return record.ID, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (b *SQLiteBackend) InsertBatch(ctx context.Context, records []*encoding.Record) ([]string, error) {
	ids := make([]string, 0, len(records))
	for _, group := range splitRecords(records) {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		groupIDs, err := b.insertBatchTx(ctx, tx, group)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		ids = append(ids, groupIDs...)
	}
	return ids, nil
}

func (b *SQLiteBackend) insertBatchTx(ctx context.Context, tx *sql.Tx, records []*encoding.Record) ([]string, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (identity, embedding, norm, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			embedding = excluded.embedding,
			norm = excluded.norm,
			metadata = excluded.metadata,
			timestamp = excluded.timestamp
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]string, 0, len(records))
	for _, record := range records {
		if b.dimension != 0 && len(record.Embedding) != b.dimension {
			return nil, ErrDimensionMismatch
		}
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		record.Norm = encoding.Norm(record.Embedding)
		if record.Timestamp == 0 {
			record.Timestamp = time.Now().UnixMicro()
		}
		vecBytes, err := encoding.EncodeVector(record.Embedding)
		if err != nil {
			return nil, err
		}
		metaStr, err := encoding.EncodeMetadata(record.Metadata)
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx, record.ID, vecBytes, record.Norm, nullableString(metaStr), record.Timestamp); err != nil {
			return nil, err
		}
		if b.dimension == 0 {
			b.dimension = len(record.Embedding)
		}
		ids = append(ids, record.ID)
	}
	return ids, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (*encoding.Record, error) {
	row := b.db.QueryRowContext(ctx, `SELECT identity, embedding, norm, metadata, timestamp FROM records WHERE identity = ?`, id)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*encoding.Record, error) {
	var (
		identity string
		vecBytes []byte
		norm     float64
		metaStr  sql.NullString
		ts       int64
	)
	if err := row.Scan(&identity, &vecBytes, &norm, &metaStr, &ts); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	vec, err := encoding.DecodeVector(vecBytes)
	if err != nil {
		return nil, err
	}
	meta, err := encoding.DecodeMetadata(metaStr.String)
	if err != nil {
		return nil, err
	}
	return &encoding.Record{ID: identity, Embedding: vec, Norm: norm, Metadata: meta, Timestamp: ts}, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE identity = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *SQLiteBackend) All(ctx context.Context) ([]*encoding.Record, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT identity, embedding, norm, metadata, timestamp FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*encoding.Record
	for rows.Next() {
		var (
			identity string
			vecBytes []byte
			norm     float64
			metaStr  sql.NullString
			ts       int64
		)
		if err := rows.Scan(&identity, &vecBytes, &norm, &metaStr, &ts); err != nil {
			return nil, err
		}
		vec, err := encoding.DecodeVector(vecBytes)
		if err != nil {
			return nil, err
		}
		meta, err := encoding.DecodeMetadata(metaStr.String)
		if err != nil {
			return nil, err
		}
		out = append(out, &encoding.Record{ID: identity, Embedding: vec, Norm: norm, Metadata: meta, Timestamp: ts})
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Search(ctx context.Context, query []float32, k int, metric scoring.Metric, threshold float64) ([]Scored, error) {
	records, err := b.All(ctx)
	if err != nil {
		return nil, err
	}
	queryNorm := scoring.Norm(query)
	return bruteForceRank(records, query, queryNorm, k, metric, threshold), nil
}

func (b *SQLiteBackend) Stats(ctx context.Context) (Stats, error) {
	var count int64
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&count); err != nil {
		return Stats{}, err
	}
	var pageCount, pageSize int64
	b.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount)
	b.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize)
	return Stats{Count: count, OnDiskSizeBytes: pageCount * pageSize}, nil
}

func (b *SQLiteBackend) Close() error {
	var err error
	if b.db != nil {
		err = b.db.Close()
	}
	if b.lock != nil {
		b.lock.Unlock()
	}
	return err
}
