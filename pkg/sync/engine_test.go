package sync

import (
	"context"
	"sync"
	"testing"

	"github.com/liliang-cn/agentdb/pkg/changelog"
	"github.com/liliang-cn/agentdb/pkg/delta"
	"github.com/liliang-cn/agentdb/pkg/vversion"
)

// fakeShard is an in-memory Shard used to exercise Session.Run without a
// real backend.
type fakeShard struct {
	mu      sync.Mutex
	id      string
	changes []changelog.ChangeRecord
	applied []changelog.ChangeRecord
	vv      vversion.Vector
}

func newFakeShard(id string) *fakeShard {
	return &fakeShard{id: id, vv: vversion.Vector{}}
}

func (f *fakeShard) ShardID() string { return f.id }

func (f *fakeShard) LatestChangeID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changes) == 0 {
		return 0, nil
	}
	return f.changes[len(f.changes)-1].ChangeID, nil
}

func (f *fakeShard) ChangesSince(ctx context.Context, fromExclusive, toInclusive int64) ([]changelog.ChangeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []changelog.ChangeRecord
	for _, c := range f.changes {
		if c.ChangeID > fromExclusive && (toInclusive == 0 || c.ChangeID <= toInclusive) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeShard) ApplyChanges(ctx context.Context, records []changelog.ChangeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, records...)
	return nil
}

func (f *fakeShard) VersionVector() vversion.Vector {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vv.Clone()
}

func (f *fakeShard) MergeVersionVector(other vversion.Vector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vv = f.vv.Merge(other)
}

// fakeTransport serves FetchChanges from a canned remote delta and records
// pushed payloads; it never touches the network.
type fakeTransport struct {
	remoteRecords  []changelog.ChangeRecord
	remoteLatestID int64
	pushed         [][]byte
	failFetches    int
}

func (t *fakeTransport) FetchChanges(ctx context.Context, peerAddr string, req ChangesRequest) (ChangesResponse, error) {
	if t.failFetches > 0 {
		t.failFetches--
		return ChangesResponse{}, errFakeTransport
	}
	payload, err := delta.Build(req.ShardID, req.FromExclusive, t.remoteLatestID, t.remoteRecords, delta.None)
	if err != nil {
		return ChangesResponse{}, err
	}
	return ChangesResponse{DeltaPayload: payload, LatestChangeID: t.remoteLatestID}, nil
}

func (t *fakeTransport) PushChanges(ctx context.Context, peerAddr string, req PushRequest) error {
	t.pushed = append(t.pushed, req.DeltaPayload)
	return nil
}

func (t *fakeTransport) Ping(ctx context.Context, peerAddr string) error { return nil }

var errFakeTransport = errFake("fake transport failure")

type errFake string

func (e errFake) Error() string { return string(e) }

func TestSessionRunAppliesRemoteChanges(t *testing.T) {
	shard := newFakeShard("shard1")
	shard.changes = []changelog.ChangeRecord{
		{ChangeID: 1, VectorID: "local1", Operation: changelog.OpInsert, VersionVector: vversion.Vector{"local": 1}},
	}
	transport := &fakeTransport{
		remoteRecords: []changelog.ChangeRecord{
			{ChangeID: 5, VectorID: "remote1", Operation: changelog.OpInsert, VersionVector: vversion.Vector{"remote": 1}},
		},
		remoteLatestID: 5,
	}
	session := NewSession(transport, NewMemoryStateStore(), Options{})

	result, err := session.Run(context.Background(), shard, "peer1", "http://peer1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Applied != 2 {
		t.Fatalf("expected 2 applied records (local + remote, distinct vector ids), got %d", result.Applied)
	}
	if len(transport.pushed) != 1 {
		t.Fatalf("expected 1 push batch, got %d", len(transport.pushed))
	}
	if result.NewLastSyncedID != 5 {
		t.Fatalf("expected last synced id 5, got %d", result.NewLastSyncedID)
	}
}

func TestSessionRunRetriesTransportFailures(t *testing.T) {
	shard := newFakeShard("shard1")
	transport := &fakeTransport{failFetches: 2}
	session := NewSession(transport, NewMemoryStateStore(), Options{MaxRetries: 3})

	if _, err := session.Run(context.Background(), shard, "peer1", "http://peer1"); err != nil {
		t.Fatalf("expected retries to recover from transient failures, got %v", err)
	}
}

func TestSessionRunSurfacesExhaustedRetries(t *testing.T) {
	shard := newFakeShard("shard1")
	transport := &fakeTransport{failFetches: 10}
	session := NewSession(transport, NewMemoryStateStore(), Options{MaxRetries: 2})

	if _, err := session.Run(context.Background(), shard, "peer1", "http://peer1"); err == nil {
		t.Fatalf("expected error once retry budget is exhausted")
	}
}
