package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liliang-cn/agentdb/pkg/changelog"
	syncengine "github.com/liliang-cn/agentdb/pkg/sync"
	"github.com/liliang-cn/agentdb/pkg/vversion"
)

type stubShard struct {
	id string
}

func (s *stubShard) ShardID() string { return s.id }
func (s *stubShard) LatestChangeID(ctx context.Context) (int64, error) { return 0, nil }
func (s *stubShard) ChangesSince(ctx context.Context, fromExclusive, toInclusive int64) ([]changelog.ChangeRecord, error) {
	return nil, nil
}
func (s *stubShard) ApplyChanges(ctx context.Context, records []changelog.ChangeRecord) error {
	return nil
}
func (s *stubShard) VersionVector() vversion.Vector { return vversion.Vector{} }
func (s *stubShard) MergeVersionVector(vversion.Vector) {}

type stubTransport struct {
	mu       sync.Mutex
	calls    int
	failFor  map[string]int
}

func (t *stubTransport) FetchChanges(ctx context.Context, peerAddr string, req syncengine.ChangesRequest) (syncengine.ChangesResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.failFor[peerAddr] > 0 {
		t.failFor[peerAddr]--
		return syncengine.ChangesResponse{}, errors.New("stub transport failure")
	}
	return syncengine.ChangesResponse{}, nil
}

func (t *stubTransport) PushChanges(ctx context.Context, peerAddr string, req syncengine.PushRequest) error {
	return nil
}

func (t *stubTransport) Ping(ctx context.Context, peerAddr string) error { return nil }

func TestCoordinatorRunsAllScheduledTasks(t *testing.T) {
	transport := &stubTransport{failFor: map[string]int{}}
	session := syncengine.NewSession(transport, syncengine.NewMemoryStateStore(), syncengine.Options{})
	resolver := func(shardID string) (syncengine.Shard, bool) {
		return &stubShard{id: shardID}, true
	}
	c := New(session, resolver, Config{Concurrency: 2})
	c.RegisterPeer(PeerInfo{ID: "peer1", Address: "http://peer1"})
	c.RegisterPeer(PeerInfo{ID: "peer2", Address: "http://peer2"})

	c.Schedule("shard1", "peer1", 10)
	c.Schedule("shard1", "peer2", 5)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := c.StatsSnapshot()
	if stats.Completed != 2 {
		t.Fatalf("expected 2 completed tasks, got %+v", stats)
	}
}

func TestCoordinatorDropsTaskForUnknownPeer(t *testing.T) {
	transport := &stubTransport{failFor: map[string]int{}}
	session := syncengine.NewSession(transport, syncengine.NewMemoryStateStore(), syncengine.Options{})
	resolver := func(shardID string) (syncengine.Shard, bool) { return &stubShard{id: shardID}, true }
	c := New(session, resolver, Config{})

	c.Schedule("shard1", "ghost-peer", 1)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := c.StatsSnapshot()
	if stats.Dropped != 1 {
		t.Fatalf("expected 1 dropped task, got %+v", stats)
	}
}

func TestCoordinatorRetriesWithPriorityDecay(t *testing.T) {
	transport := &stubTransport{failFor: map[string]int{"http://peer1": 1}}
	session := syncengine.NewSession(transport, syncengine.NewMemoryStateStore(), syncengine.Options{MaxRetries: 1})
	resolver := func(shardID string) (syncengine.Shard, bool) { return &stubShard{id: shardID}, true }
	c := New(session, resolver, Config{MaxRetries: 3, PriorityDecay: 2})
	c.RegisterPeer(PeerInfo{ID: "peer1", Address: "http://peer1"})

	c.Schedule("shard1", "peer1", 10)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats := c.StatsSnapshot()
	if stats.Completed != 1 {
		t.Fatalf("expected eventual success after retry, got %+v", stats)
	}
	if stats.Failed != 1 {
		t.Fatalf("expected exactly 1 recorded failure before retry succeeded, got %+v", stats)
	}
}

func TestHealthCheckRecordsStatus(t *testing.T) {
	transport := &stubTransport{failFor: map[string]int{}}
	session := syncengine.NewSession(transport, syncengine.NewMemoryStateStore(), syncengine.Options{})
	resolver := func(shardID string) (syncengine.Shard, bool) { return &stubShard{id: shardID}, true }
	c := New(session, resolver, Config{})
	c.RegisterPeer(PeerInfo{ID: "peer1", Address: "http://peer1"})

	c.HealthCheck(context.Background(), func(ctx context.Context, addr string) error { return nil })

	status, ok := c.Status("peer1")
	if !ok || !status.Healthy {
		t.Fatalf("expected healthy status, got %+v ok=%v", status, ok)
	}
	if status.LastChecked.After(time.Now()) {
		t.Fatalf("LastChecked should not be in the future")
	}
}
