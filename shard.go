package agentdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liliang-cn/agentdb/internal/encoding"
	"github.com/liliang-cn/agentdb/pkg/changelog"
	"github.com/liliang-cn/agentdb/pkg/hnsw"
	"github.com/liliang-cn/agentdb/pkg/qcache"
	"github.com/liliang-cn/agentdb/pkg/quantization"
	"github.com/liliang-cn/agentdb/pkg/scoring"
	"github.com/liliang-cn/agentdb/pkg/vstore"
	"github.com/liliang-cn/agentdb/pkg/vversion"
)

// quantizer is the common shape of the three codec constructors in
// pkg/quantization; Shard holds at most one, selected by Config.Quantization.
type quantizer interface {
	Train(vectors [][]float32) error
	Encode(vector []float32) ([]byte, error)
	Decode(encoded []byte) ([]float32, error)
	CompressionRatio() float32
}

// Shard is the facade over one unit of storage: a backend, an optional
// approximate index, an optional query cache, an optional quantizer, and the
// changelog + version vector that make it replicable. All state is reached
// through a Shard handle; there are no package-level globals.
type Shard struct {
	mu sync.RWMutex

	cfg     Config
	backend vstore.Backend

	useHNSW   bool
	index     *hnsw.Index
	snapshots *hnsw.SnapshotStore

	cache *qcache.Cache
	epoch atomic.Uint64

	quant     quantizer
	quantKind QuantizationKind

	log *changelog.Store
	vv  vversion.Vector

	logger  Logger
	metrics *Metrics
}

// Open initializes a Shard's backend, optional index, cache, and changelog
// according to cfg.
func Open(ctx context.Context, cfg Config) (*Shard, error) {
	cfg = cfg.withDefaults()
	if cfg.ShardID == "" {
		return nil, wrapErr("Open", KindInvalidParameter, fmt.Errorf("ShardID is required"))
	}

	var backend vstore.Backend
	switch cfg.resolveBackend() {
	case BackendSQLite:
		if cfg.Path == "" {
			return nil, wrapErr("Open", KindInvalidParameter, fmt.Errorf("Path is required for the sqlite backend"))
		}
		opts := cfg.SQLite
		if opts.Path == "" {
			opts = vstore.DefaultSQLiteOptions(cfg.Path)
		}
		backend = vstore.NewSQLiteBackend(opts)
	default:
		backend = vstore.NewMemoryBackend()
	}
	if err := backend.Init(ctx); err != nil {
		return nil, wrapErr("Open", KindIoError, err)
	}

	s := &Shard{
		cfg:       cfg,
		backend:   backend,
		quantKind: cfg.Quantization.Kind,
		vv:        vversion.Vector{},
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}

	if cfg.UseHNSW {
		s.useHNSW = true
		s.index = hnsw.New(cfg.HNSW, s)
		if cfg.SnapshotPath != "" {
			store, err := hnsw.OpenSnapshotStore(cfg.SnapshotPath)
			if err != nil {
				backend.Close()
				return nil, wrapErr("Open", KindIoError, err)
			}
			s.snapshots = store
			if restored, ok, err := store.Load(cfg.ShardID, s, cfg.HNSW); err == nil && ok {
				s.index = restored
			}
		}
	}

	if cfg.UseCache {
		cache, err := qcache.New(cfg.CacheCapacity, cfg.CacheTTL)
		if err != nil {
			backend.Close()
			return nil, wrapErr("Open", KindInvalidParameter, err)
		}
		s.cache = cache
	}

	if cfg.ChangelogPath != "" {
		store, err := changelog.Open(ctx, cfg.ChangelogPath)
		if err != nil {
			backend.Close()
			return nil, wrapErr("Open", KindIoError, err)
		}
		s.log = store
	}

	switch cfg.Quantization.Kind {
	case QuantizationBinary:
		if cfg.Quantization.BinaryMethod == quantization.FixedThreshold {
			s.quant = quantization.NewBinaryQuantizer(cfg.Dimension, cfg.Quantization.BinaryFixedThreshold)
		} else {
			s.quant = quantization.NewMedianBinaryQuantizer(cfg.Dimension)
		}
	case QuantizationScalar:
		sq, err := quantization.NewScalarQuantizer(cfg.Dimension, cfg.Quantization.ScalarBits)
		if err != nil {
			backend.Close()
			return nil, wrapErr("Open", KindInvalidParameter, err)
		}
		s.quant = sq
	case QuantizationProduct:
		pq, err := quantization.NewProductQuantizer(cfg.Dimension, cfg.Quantization.SubVectors, cfg.Quantization.Bits)
		if err != nil {
			backend.Close()
			return nil, wrapErr("Open", KindInvalidParameter, err)
		}
		s.quant = pq
	}

	return s, nil
}

// GetVector implements hnsw.VectorSource by reading straight through the
// backend; the index never holds a second copy of the embedding.
func (s *Shard) GetVector(id string) ([]float32, bool) {
	rec, err := s.backend.Get(context.Background(), id)
	if err != nil {
		return nil, false
	}
	return rec.Embedding, true
}

// ShardID returns the shard's identity, used both for changelog scoping and
// as this shard's node id in version vectors unless Config.NodeID overrides it.
func (s *Shard) ShardID() string { return s.cfg.ShardID }

func (s *Shard) nodeID() string { return s.cfg.NodeID }

// Insert stores record, appends a changelog entry, advances the version
// vector, invalidates the query cache, and, when HNSW is enabled, adds the
// vector to the index regardless of Config.HNSW.MinVectorsForIndex (that
// threshold only gates whether Search consults the index).
func (s *Shard) Insert(ctx context.Context, record VectorRecord) (string, error) {
	if err := encoding.ValidateVector(record.Embedding); err != nil {
		s.metrics.observeInsert("invalid")
		return "", wrapErr("Insert", KindInvalidParameter, err)
	}
	if s.cfg.Dimension > 0 && len(record.Embedding) != s.cfg.Dimension {
		s.metrics.observeInsert("dimension_mismatch")
		return "", wrapErr("Insert", KindDimensionMismatch, vstore.ErrDimensionMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &encoding.Record{
		ID: record.ID, Embedding: record.Embedding, Norm: encoding.Norm(record.Embedding),
		Metadata: record.Metadata, Timestamp: record.Timestamp,
	}
	id, err := s.backend.Insert(ctx, rec)
	if err != nil {
		s.metrics.observeInsert("error")
		return "", wrapErr("Insert", KindIoError, err)
	}

	op := changelog.OpInsert
	if err := s.recordChange(ctx, id, op, rec.Embedding, rec.Metadata); err != nil {
		s.metrics.observeInsert("error")
		return "", err
	}

	if s.useHNSW {
		if err := s.index.Insert(id, rec.Embedding); err != nil {
			s.logger.Warn("hnsw insert failed", map[string]interface{}{"id": id, "error": err.Error()})
		}
	}
	s.invalidateCacheLocked()
	s.metrics.observeInsert("ok")
	return id, nil
}

// InsertBatch inserts every record, stopping at the first failure.
func (s *Shard) InsertBatch(ctx context.Context, records []VectorRecord) ([]string, error) {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		id, err := s.Insert(ctx, r)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns the record stored under id.
func (s *Shard) Get(ctx context.Context, id string) (VectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.backend.Get(ctx, id)
	if err != nil {
		return VectorRecord{}, wrapErr("Get", KindNotFound, err)
	}
	return VectorRecord{ID: rec.ID, Embedding: rec.Embedding, Metadata: rec.Metadata, Timestamp: rec.Timestamp}, nil
}

// Delete removes id, appends a tombstone changelog entry, and invalidates
// the cache.
func (s *Shard) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.backend.Delete(ctx, id)
	if err != nil {
		return false, wrapErr("Delete", KindIoError, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.recordChange(ctx, id, changelog.OpDelete, nil, nil); err != nil {
		return false, err
	}
	if s.useHNSW {
		if _, err := s.index.Delete(id); err != nil {
			s.logger.Warn("hnsw delete failed", map[string]interface{}{"id": id, "error": err.Error()})
		}
	}
	s.invalidateCacheLocked()
	s.metrics.observeDelete()
	return true, nil
}

// Search returns the opts.K nearest records to query, using the HNSW index
// once the shard holds at least Config.HNSW.MinVectorsForIndex vectors and
// falling back to an exact brute-force scan below that threshold.
func (s *Shard) Search(ctx context.Context, query []float32, opts SearchOptions) ([]ScoredRecord, error) {
	start := time.Now()
	if err := encoding.ValidateVector(query); err != nil {
		return nil, wrapErr("Search", KindInvalidParameter, err)
	}
	metric := opts.Metric

	var (
		cacheHit bool
		key      uint64
		epoch    uint64
	)
	if s.cache != nil {
		qBytes, err := encoding.EncodeVector(query)
		if err == nil {
			key = qcache.Fingerprint(int(metric), opts.K, opts.Threshold, qBytes)
			epoch = s.epoch.Load()
			if entry, ok := s.cache.Get(key, epoch); ok {
				cacheHit = true
				results, decodeErr := decodeScoredRecords(entry.Results)
				if decodeErr == nil {
					s.metrics.observeSearch(start, true)
					return results, nil
				}
			}
		}
	}

	results, err := s.searchUncached(ctx, query, metric, opts)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && !cacheHit {
		if encoded, encErr := encodeScoredRecords(results); encErr == nil {
			s.cache.Set(key, encoded, epoch)
		}
	}
	s.metrics.observeSearch(start, false)
	return results, nil
}

func (s *Shard) searchUncached(ctx context.Context, query []float32, metric scoring.Metric, opts SearchOptions) ([]ScoredRecord, error) {
	s.mu.RLock()
	useIndex := s.useHNSW && metric == s.cfg.HNSW.Metric && s.index.Size() >= s.cfg.HNSW.MinVectorsForIndex && s.index.Built()
	s.mu.RUnlock()

	if useIndex {
		hits, err := s.index.Search(query, opts.K, opts.EfSearch)
		if err != nil {
			return nil, wrapErr("Search", KindNotBuilt, err)
		}
		out := make([]ScoredRecord, 0, len(hits))
		for _, h := range hits {
			rec, err := s.backend.Get(ctx, h.ID)
			if err != nil {
				continue
			}
			if !scoring.PassesThreshold(s.cfg.HNSW.Metric, h.Distance, opts.Threshold) {
				continue
			}
			out = append(out, ScoredRecord{
				Record: VectorRecord{ID: rec.ID, Embedding: rec.Embedding, Metadata: rec.Metadata, Timestamp: rec.Timestamp},
				Score:  h.Distance,
			})
		}
		return out, nil
	}

	scored, err := s.backend.Search(ctx, query, opts.K, metric, opts.Threshold)
	if err != nil {
		return nil, wrapErr("Search", KindIoError, err)
	}
	out := make([]ScoredRecord, 0, len(scored))
	for _, sc := range scored {
		out = append(out, ScoredRecord{
			Record: VectorRecord{ID: sc.Record.ID, Embedding: sc.Record.Embedding, Metadata: sc.Record.Metadata, Timestamp: sc.Record.Timestamp},
			Score:  sc.Score,
		})
	}
	return out, nil
}

// Stats reports backend footprint, index diagnostics, and cache hit/miss
// counters, each only populated when the corresponding feature is enabled.
type Stats struct {
	Backend vstore.Stats
	HNSW    *hnsw.Stats
	Cache   *qcache.Stats
}

func (s *Shard) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backendStats, err := s.backend.Stats(ctx)
	if err != nil {
		return Stats{}, wrapErr("Stats", KindIoError, err)
	}
	out := Stats{Backend: backendStats}
	if s.useHNSW {
		snap := s.index.StatsSnapshot()
		out.HNSW = &snap
	}
	if s.cache != nil {
		snap := s.cache.StatsSnapshot()
		out.Cache = &snap
	}
	return out, nil
}

// TrainQuantizer fits the configured quantization codec against every record
// currently held by the backend; it is a no-op if no codec was configured.
func (s *Shard) TrainQuantizer(ctx context.Context) error {
	if s.quant == nil {
		return nil
	}
	records, err := s.backend.All(ctx)
	if err != nil {
		return wrapErr("TrainQuantizer", KindIoError, err)
	}
	vectors := make([][]float32, len(records))
	for i, r := range records {
		vectors[i] = r.Embedding
	}
	if err := s.quant.Train(vectors); err != nil {
		return wrapErr("TrainQuantizer", KindInvalidParameter, err)
	}
	return nil
}

// Export snapshots the HNSW graph (if enabled) to the configured snapshot
// store, so a future Open can resume without a full rebuild.
func (s *Shard) Export(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.snapshots.Save(s.cfg.ShardID, s.index); err != nil {
		return wrapErr("Export", KindIoError, err)
	}
	return nil
}

// Close releases every resource the shard holds open.
func (s *Shard) Close() error {
	if s.cache != nil {
		s.cache.Purge()
	}
	if s.snapshots != nil {
		if s.useHNSW {
			_ = s.snapshots.Save(s.cfg.ShardID, s.index)
		}
		s.snapshots.Close()
	}
	if s.log != nil {
		s.log.Close()
	}
	return s.backend.Close()
}

// invalidateCacheLocked bumps the cache epoch so every previously cached
// result becomes unreachable without walking or clearing the LRU itself; the
// name reflects that callers hold s.mu for the surrounding mutation, even
// though the epoch counter itself is independently atomic.
func (s *Shard) invalidateCacheLocked() {
	if s.cache == nil {
		return
	}
	s.epoch.Add(1)
}

// recordChange appends a changelog entry (when replication is enabled for
// this shard) and advances the local version vector either way, so
// VersionVector() always reflects every mutation even without a changelog.
func (s *Shard) recordChange(ctx context.Context, vectorID string, op changelog.Operation, embedding []float32, metadata map[string]string) error {
	s.vv = s.vv.Increment(s.nodeID())
	if s.log == nil {
		return nil
	}
	if _, err := s.log.Append(ctx, s.cfg.ShardID, vectorID, op, embedding, metadata, s.nodeID(), s.vv); err != nil {
		return wrapErr("recordChange", KindIoError, err)
	}
	return nil
}

// LatestChangeID implements pkg/sync.Shard.
func (s *Shard) LatestChangeID(ctx context.Context) (int64, error) {
	if s.log == nil {
		return 0, nil
	}
	return s.log.LatestChangeID(ctx, s.cfg.ShardID)
}

// ChangesSince implements pkg/sync.Shard.
func (s *Shard) ChangesSince(ctx context.Context, fromExclusive, toInclusive int64) ([]changelog.ChangeRecord, error) {
	if s.log == nil {
		return nil, nil
	}
	return s.log.Since(ctx, s.cfg.ShardID, fromExclusive, toInclusive)
}

// ApplyChanges implements pkg/sync.Shard: it applies each resolved winner to
// the backend and index, appending a local changelog entry for every one so
// a later sync to a third peer can observe it too.
func (s *Shard) ApplyChanges(ctx context.Context, records []changelog.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cr := range records {
		switch cr.Operation {
		case changelog.OpDelete:
			if _, err := s.backend.Delete(ctx, cr.VectorID); err != nil {
				return wrapErr("ApplyChanges", KindIoError, err)
			}
			if s.useHNSW {
				s.index.Delete(cr.VectorID)
			}
		default:
			rec := &encoding.Record{
				ID: cr.VectorID, Embedding: cr.Embedding, Metadata: cr.Metadata,
				Timestamp: cr.Timestamp, Norm: encoding.Norm(cr.Embedding),
			}
			if _, err := s.backend.Insert(ctx, rec); err != nil {
				return wrapErr("ApplyChanges", KindIoError, err)
			}
			if s.useHNSW {
				s.index.Insert(cr.VectorID, cr.Embedding)
			}
		}
		if s.log != nil {
			if _, err := s.log.Append(ctx, s.cfg.ShardID, cr.VectorID, cr.Operation, cr.Embedding, cr.Metadata, cr.SourceNode, cr.VersionVector); err != nil {
				return wrapErr("ApplyChanges", KindIoError, err)
			}
		}
		s.vv = s.vv.Merge(cr.VersionVector)
	}
	s.invalidateCacheLocked()
	return nil
}

// VersionVector implements pkg/sync.Shard.
func (s *Shard) VersionVector() vversion.Vector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vv.Clone()
}

// MergeVersionVector implements pkg/sync.Shard.
func (s *Shard) MergeVersionVector(other vversion.Vector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vv = s.vv.Merge(other)
}
