package sync

import (
	"context"
	"sync"

	"github.com/liliang-cn/agentdb/pkg/vversion"
)

// MemoryStateStore is a process-local StateStore, suitable for tests and for
// single-process deployments where peer progress need not survive restarts.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]PeerState
}

// NewMemoryStateStore returns an empty MemoryStateStore.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]PeerState)}
}

func (m *MemoryStateStore) key(shardID, peerID string) string { return shardID + "\x00" + peerID }

func (m *MemoryStateStore) Load(_ context.Context, shardID, peerID string) (PeerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[m.key(shardID, peerID)]
	if !ok {
		return PeerState{VersionVector: vversion.Vector{}}, nil
	}
	return state, nil
}

func (m *MemoryStateStore) Save(_ context.Context, shardID, peerID string, state PeerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[m.key(shardID, peerID)] = state
	return nil
}
