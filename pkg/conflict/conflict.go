// Package conflict pairs local and remote changelog entries for the same
// vector id, detects version-vector concurrency, and resolves conflicts
// according to a chosen policy.
package conflict

import (
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/agentdb/pkg/changelog"
	"github.com/liliang-cn/agentdb/pkg/vversion"
)

// Policy selects how a concurrent pair of changes is resolved.
type Policy string

const (
	LastWriteWins  Policy = "last-write-wins"
	FirstWriteWins Policy = "first-write-wins"
	Merge          Policy = "merge"
	Manual         Policy = "manual"
)

// Conflict describes a pair of changes to the same vector id whose version
// vectors are concurrent, pending or already passed through resolution.
type Conflict struct {
	ConflictID string
	ShardID    string
	VectorID   string
	Local      changelog.ChangeRecord
	Remote     changelog.ChangeRecord
	DetectedAt int64
}

// Resolver applies a single Policy to pairs of concurrent changes.
type Resolver struct {
	policy Policy
}

// New returns a Resolver that always applies policy.
func New(policy Policy) *Resolver {
	return &Resolver{policy: policy}
}

// Resolve compares local and remote. If one dominates the other causally, the
// dominating change is returned with ok=true and no conflict. If they are
// concurrent, the policy decides: automatic policies return a winner with
// ok=true; Manual returns ok=false and a Conflict for external handling.
func (r *Resolver) Resolve(shardID string, local, remote changelog.ChangeRecord) (winner changelog.ChangeRecord, conflict *Conflict, ok bool) {
	switch vversion.Compare(local.VersionVector, remote.VersionVector) {
	case vversion.Equal, vversion.After:
		return local, nil, true
	case vversion.Before:
		return remote, nil, true
	}

	c := &Conflict{
		ConflictID: uuid.NewString(),
		ShardID:    shardID,
		VectorID:   local.VectorID,
		Local:      local,
		Remote:     remote,
		DetectedAt: time.Now().UnixMicro(),
	}

	switch r.policy {
	case LastWriteWins:
		return pickByTimestamp(local, remote, true), nil, true
	case FirstWriteWins:
		return pickByTimestamp(local, remote, false), nil, true
	case Merge:
		return mergeChanges(local, remote), nil, true
	case Manual:
		return local, c, false
	default:
		return local, c, false
	}
}

func pickByTimestamp(local, remote changelog.ChangeRecord, wantGreater bool) changelog.ChangeRecord {
	if local.Timestamp == remote.Timestamp {
		if local.SourceNode <= remote.SourceNode {
			return local
		}
		return remote
	}
	localWins := local.Timestamp > remote.Timestamp
	if !wantGreater {
		localWins = !localWins
	}
	if localWins {
		return local
	}
	return remote
}

func mergeChanges(local, remote changelog.ChangeRecord) changelog.ChangeRecord {
	if local.Operation == changelog.OpDelete {
		return withMergedVersion(local, remote)
	}
	if remote.Operation == changelog.OpDelete {
		return withMergedVersion(remote, local)
	}

	metadata := make(map[string]string, len(local.Metadata)+len(remote.Metadata))
	for k, v := range remote.Metadata {
		metadata[k] = v
	}
	for k, v := range local.Metadata {
		metadata[k] = v
	}

	embedding := meanEmbedding(local.Embedding, remote.Embedding)

	merged := local
	merged.Metadata = metadata
	merged.Embedding = embedding
	merged.VersionVector = local.VersionVector.Merge(remote.VersionVector)
	return merged
}

func withMergedVersion(winner, other changelog.ChangeRecord) changelog.ChangeRecord {
	merged := winner
	merged.VersionVector = winner.VersionVector.Merge(other.VersionVector)
	return merged
}

func meanEmbedding(a, b []float32) []float32 {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 || len(a) != len(b) {
		return a
	}
	out := make([]float32, len(a))
	for i := range a {
		out[i] = (a[i] + b[i]) / 2
	}
	return out
}

// Batch buckets local and remote changes by vector id and resolves each
// pairing present on both sides. Changes present on only one side pass
// through unresolved (no conflict possible without a counterpart).
func (r *Resolver) Batch(shardID string, local, remote []changelog.ChangeRecord) (resolved []changelog.ChangeRecord, conflicts []Conflict) {
	localByID := make(map[string]changelog.ChangeRecord, len(local))
	for _, c := range local {
		localByID[c.VectorID] = c
	}
	remoteByID := make(map[string]changelog.ChangeRecord, len(remote))
	for _, c := range remote {
		remoteByID[c.VectorID] = c
	}

	seen := make(map[string]bool, len(localByID)+len(remoteByID))
	for id, lc := range localByID {
		seen[id] = true
		rc, ok := remoteByID[id]
		if !ok {
			resolved = append(resolved, lc)
			continue
		}
		winner, c, ok := r.Resolve(shardID, lc, rc)
		if !ok {
			conflicts = append(conflicts, *c)
			resolved = append(resolved, lc)
			continue
		}
		resolved = append(resolved, winner)
	}
	for id, rc := range remoteByID {
		if !seen[id] {
			resolved = append(resolved, rc)
		}
	}
	return resolved, conflicts
}
