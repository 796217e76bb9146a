// Package agentdb is an embedded vector database: per-process shards that
// each pair a record store with an optional approximate nearest-neighbor
// index, an optional quantization codec, a bounded query cache, and a
// changelog that drives version-vector-based replication between shards.
//
// A Shard is the unit of storage and the unit of sync. Construct one with
// Open, passing a Config that selects the backend (in-memory or SQLite),
// whether to maintain an HNSW index (consulted by Search once the shard grows
// past a threshold), whether to quantize stored vectors, and whether to keep a changelog for
// replication. pkg/sync and pkg/coordinator drive replication between
// Shards over a pluggable Transport.
package agentdb
