package agentdb

import (
	"time"

	"github.com/liliang-cn/agentdb/pkg/conflict"
	"github.com/liliang-cn/agentdb/pkg/hnsw"
	"github.com/liliang-cn/agentdb/pkg/scoring"
	"github.com/liliang-cn/agentdb/pkg/vstore"
)

// Config is a plain struct assembled by the caller and passed to Open. There
// is no environment-variable discovery and no config file format: every
// field the shard needs is explicit.
type Config struct {
	ShardID   string
	Dimension int

	Backend BackendChoice
	Path    string // required when Backend selects SQLite, or under BackendAuto
	SQLite  vstore.SQLiteOptions

	Metric scoring.Metric

	HNSW          hnsw.Config
	UseHNSW       bool
	SnapshotPath  string // bbolt file for HNSW graph snapshots; empty disables persistence

	CacheCapacity int
	CacheTTL      time.Duration
	UseCache      bool

	Quantization QuantizationConfig

	ChangelogPath string // required to enable replication for this shard
	NodeID        string // this shard's identity in version vectors
	ConflictPolicy conflict.Policy

	Logger  Logger
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = 1024
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.NodeID == "" {
		c.NodeID = c.ShardID
	}
	if c.ConflictPolicy == "" {
		c.ConflictPolicy = conflict.LastWriteWins
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	return c
}

func (c Config) resolveBackend() BackendChoice {
	if c.Backend != BackendAuto {
		return c.Backend
	}
	if c.Path != "" {
		return BackendSQLite
	}
	return BackendMemory
}
