// Package changelog implements the append-only ledger of insert/update/
// delete records per shard, timestamped and tagged with version vectors,
// that backs delta construction and replication.
package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liliang-cn/agentdb/pkg/vversion"
	_ "modernc.org/sqlite"
)

// Operation identifies the kind of mutation a ChangeRecord describes.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ErrNotInitialized is returned when the store is used before Open.
var ErrNotInitialized = errors.New("changelog: store not initialized")

// ChangeRecord is one ledger entry.
type ChangeRecord struct {
	ChangeID      int64
	ShardID       string
	VectorID      string
	Operation     Operation
	Embedding     []float32 // nil for delete
	Metadata      map[string]string
	Timestamp     int64 // microseconds since epoch
	SourceNode    string
	VersionVector vversion.Vector
}

// Store is the changelog's persistence contract.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens a changelog database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS changelog (
			change_id      INTEGER PRIMARY KEY AUTOINCREMENT,
			shard_id       TEXT NOT NULL,
			vector_id      TEXT NOT NULL,
			operation      TEXT NOT NULL,
			vector_data    TEXT,
			metadata       TEXT,
			timestamp      INTEGER NOT NULL,
			source_node    TEXT NOT NULL,
			version_vector TEXT NOT NULL
		)`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_changelog_shard_change ON changelog(shard_id, change_id)`)
	return err
}

// Append records a mutation and returns the assigned ChangeRecord, whose
// version vector is vv with sourceNode's component already incremented by
// the caller.
func (s *Store) Append(ctx context.Context, shardID, vectorID string, op Operation, embedding []float32, metadata map[string]string, sourceNode string, vv vversion.Vector) (ChangeRecord, error) {
	var vecJSON []byte
	var err error
	if op != OpDelete && embedding != nil {
		vecJSON, err = json.Marshal(embedding)
		if err != nil {
			return ChangeRecord{}, err
		}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return ChangeRecord{}, err
	}
	vvJSON, err := json.Marshal(vv)
	if err != nil {
		return ChangeRecord{}, err
	}
	ts := time.Now().UnixMicro()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO changelog (shard_id, vector_id, operation, vector_data, metadata, timestamp, source_node, version_vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, shardID, vectorID, string(op), nullableBytes(vecJSON), string(metaJSON), ts, sourceNode, string(vvJSON))
	if err != nil {
		return ChangeRecord{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ChangeRecord{}, err
	}
	return ChangeRecord{
		ChangeID: id, ShardID: shardID, VectorID: vectorID, Operation: op,
		Embedding: embedding, Metadata: metadata, Timestamp: ts,
		SourceNode: sourceNode, VersionVector: vv,
	}, nil
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Since returns records in ascending change_id with change_id > fromExclusive
// and, when toInclusive > 0, change_id <= toInclusive.
func (s *Store) Since(ctx context.Context, shardID string, fromExclusive, toInclusive int64) ([]ChangeRecord, error) {
	query := `SELECT change_id, shard_id, vector_id, operation, vector_data, metadata, timestamp, source_node, version_vector
		FROM changelog WHERE shard_id = ? AND change_id > ?`
	args := []interface{}{shardID, fromExclusive}
	if toInclusive > 0 {
		query += ` AND change_id <= ?`
		args = append(args, toInclusive)
	}
	query += ` ORDER BY change_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var (
			cr          ChangeRecord
			op          string
			vecJSON     sql.NullString
			metaJSON    string
			vvJSON      string
		)
		if err := rows.Scan(&cr.ChangeID, &cr.ShardID, &cr.VectorID, &op, &vecJSON, &metaJSON, &cr.Timestamp, &cr.SourceNode, &vvJSON); err != nil {
			return nil, err
		}
		cr.Operation = Operation(op)
		if vecJSON.Valid {
			if err := json.Unmarshal([]byte(vecJSON.String), &cr.Embedding); err != nil {
				return nil, err
			}
		}
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &cr.Metadata); err != nil {
				return nil, err
			}
		}
		if err := json.Unmarshal([]byte(vvJSON), &cr.VersionVector); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// LatestChangeID returns the shard's highest recorded change_id, or 0 if none.
func (s *Store) LatestChangeID(ctx context.Context, shardID string) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(change_id) FROM changelog WHERE shard_id = ?`, shardID).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

func (s *Store) Close() error { return s.db.Close() }
