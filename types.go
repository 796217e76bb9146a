package agentdb

import (
	"github.com/liliang-cn/agentdb/pkg/quantization"
	"github.com/liliang-cn/agentdb/pkg/scoring"
)

// VectorRecord is the caller-facing view of a stored embedding.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Metadata  map[string]string
	Timestamp int64
}

// ScoredRecord pairs a VectorRecord with the score Search ranked it by: the
// metric's score on the brute-force path (a similarity for cosine and dot, a
// squared distance for Euclidean), or the index distance on the HNSW path.
type ScoredRecord struct {
	Record VectorRecord
	Score  float64
}

// SearchOptions parameterizes Shard.Search.
type SearchOptions struct {
	K         int
	Metric    scoring.Metric
	Threshold float64
	// EfSearch overrides the HNSW candidate pool size for this query only;
	// zero uses the index's configured default.
	EfSearch int
}

// BackendChoice explicitly selects the storage backend; there is no
// environment-variable or file-path auto-detection.
type BackendChoice int

const (
	// BackendAuto picks SQLite when Config.Path is non-empty, memory otherwise.
	BackendAuto BackendChoice = iota
	BackendMemory
	BackendSQLite
)

// QuantizationKind selects the optional compression codec a shard trains.
type QuantizationKind int

const (
	QuantizationNone QuantizationKind = iota
	QuantizationProduct
	QuantizationScalar
	QuantizationBinary
)

// QuantizationConfig parameterizes the optional quantizer.
type QuantizationConfig struct {
	Kind QuantizationKind

	// Product quantization.
	SubVectors int // m
	Bits       int // b

	// Scalar quantization.
	ScalarBits int // one of {4, 8, 16}

	// Binary quantization.
	BinaryMethod         quantization.ThresholdMethod
	BinaryFixedThreshold float32
}
