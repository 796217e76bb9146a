package agentdb

import (
	"github.com/liliang-cn/agentdb/pkg/delta"
	syncpkg "github.com/liliang-cn/agentdb/pkg/sync"
)

// NewSyncSession builds a sync.Session scoped to this shard's conflict
// policy, ready to Run against any registered peer. Callers own transport and
// state-store lifetime; a shard has no opinion on how peers are discovered.
func (s *Shard) NewSyncSession(transport syncpkg.Transport, states syncpkg.StateStore) *syncpkg.Session {
	return syncpkg.NewSession(transport, states, syncpkg.Options{
		Compression: delta.BlockCompressed,
		Policy:      s.cfg.ConflictPolicy,
	})
}
