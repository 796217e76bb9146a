// Package sync implements the per-(shard,peer) synchronization session:
// exchanging changelog deltas over a Transport, resolving conflicts, and
// applying winners to a local shard.
package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/liliang-cn/agentdb/pkg/changelog"
	"github.com/liliang-cn/agentdb/pkg/conflict"
	"github.com/liliang-cn/agentdb/pkg/delta"
	"github.com/liliang-cn/agentdb/pkg/vversion"
)

var (
	// ErrTransportFailure is returned once the retry budget for a transport
	// operation is exhausted.
	ErrTransportFailure = errors.New("sync: transport failure")
	// ErrVersionMismatch indicates a peer's protocol response could not be
	// reconciled with the local change history.
	ErrVersionMismatch = errors.New("sync: version mismatch")
)

// DefaultBatchSize is the default number of local changes pushed per batch.
const DefaultBatchSize = 100

// Shard is the subset of shard behavior the sync engine needs. The real
// implementation is *agentdb.Shard; tests use an in-memory fake.
type Shard interface {
	ShardID() string
	LatestChangeID(ctx context.Context) (int64, error)
	ChangesSince(ctx context.Context, fromExclusive, toInclusive int64) ([]changelog.ChangeRecord, error)
	ApplyChanges(ctx context.Context, records []changelog.ChangeRecord) error
	VersionVector() vversion.Vector
	MergeVersionVector(vversion.Vector)
}

// PeerState tracks per-peer sync progress and must be durable across process
// restarts (a shard keeps one PeerState per registered peer).
type PeerState struct {
	LastSyncedID  int64
	VersionVector vversion.Vector
}

// StateStore persists PeerState between sync sessions.
type StateStore interface {
	Load(ctx context.Context, shardID, peerID string) (PeerState, error)
	Save(ctx context.Context, shardID, peerID string, state PeerState) error
}

// Options configures a Session.
type Options struct {
	BatchSize   int
	Compression delta.Compression
	Policy      conflict.Policy
	MaxRetries  uint64
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Compression == "" {
		o.Compression = delta.None
	}
	if o.Policy == "" {
		o.Policy = conflict.LastWriteWins
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	return o
}

// Session drives one sync exchange between a local shard and a single peer.
type Session struct {
	transport Transport
	states    StateStore
	opts      Options
}

// NewSession constructs a Session.
func NewSession(transport Transport, states StateStore, opts Options) *Session {
	return &Session{transport: transport, states: states, opts: opts.withDefaults()}
}

// Result summarizes one completed sync exchange.
type Result struct {
	Applied         int
	Conflicts       []conflict.Conflict
	NewLastSyncedID int64
}

// Run executes one full sync session against peerAddr for shard's data,
// identified by peerID for state persistence purposes.
func (s *Session) Run(ctx context.Context, shard Shard, peerID, peerAddr string) (Result, error) {
	shardID := shard.ShardID()

	state, err := s.states.Load(ctx, shardID, peerID)
	if err != nil {
		return Result{}, fmt.Errorf("sync: load peer state: %w", err)
	}

	remoteResp, err := retry(ctx, s.opts.MaxRetries, func() (ChangesResponse, error) {
		return s.transport.FetchChanges(ctx, peerAddr, ChangesRequest{
			ShardID:       shardID,
			FromExclusive: state.LastSyncedID,
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	var remoteDelta delta.Delta
	if len(remoteResp.DeltaPayload) > 0 {
		remoteDelta, err = delta.Decode(remoteResp.DeltaPayload)
		if err != nil {
			// Checksum mismatch: discard, no state change, retry once.
			remoteResp, err = s.transport.FetchChanges(ctx, peerAddr, ChangesRequest{
				ShardID:       shardID,
				FromExclusive: state.LastSyncedID,
			})
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
			}
			remoteDelta, err = delta.Decode(remoteResp.DeltaPayload)
			if err != nil {
				return Result{}, fmt.Errorf("%w: %v", ErrVersionMismatch, err)
			}
		}
	}

	localLatest, err := shard.LatestChangeID(ctx)
	if err != nil {
		return Result{}, err
	}
	localChanges, err := shard.ChangesSince(ctx, state.LastSyncedID, localLatest)
	if err != nil {
		return Result{}, err
	}

	if err := s.pushInBatches(ctx, peerAddr, shardID, localChanges); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	resolver := conflict.New(s.opts.Policy)
	resolved, conflicts := resolver.Batch(shardID, localChanges, delta.Compact(remoteDelta.Records))

	if err := shard.ApplyChanges(ctx, resolved); err != nil {
		return Result{}, err
	}

	newVV := shard.VersionVector()
	for _, r := range resolved {
		newVV = newVV.Merge(r.VersionVector)
	}
	shard.MergeVersionVector(newVV)

	newLastSynced := state.LastSyncedID
	if remoteResp.LatestChangeID > newLastSynced {
		newLastSynced = remoteResp.LatestChangeID
	}
	if localLatest > newLastSynced {
		newLastSynced = localLatest
	}

	if err := s.states.Save(ctx, shardID, peerID, PeerState{LastSyncedID: newLastSynced, VersionVector: newVV}); err != nil {
		return Result{}, fmt.Errorf("sync: save peer state: %w", err)
	}

	return Result{Applied: len(resolved), Conflicts: conflicts, NewLastSyncedID: newLastSynced}, nil
}

func (s *Session) pushInBatches(ctx context.Context, peerAddr, shardID string, changes []changelog.ChangeRecord) error {
	batchSize := s.opts.BatchSize
	for start := 0; start < len(changes); start += batchSize {
		end := start + batchSize
		if end > len(changes) {
			end = len(changes)
		}
		batch := changes[start:end]
		var from, to int64
		if len(batch) > 0 {
			from = batch[0].ChangeID - 1
			to = batch[len(batch)-1].ChangeID
		}
		payload, err := delta.Build(shardID, from, to, batch, s.opts.Compression)
		if err != nil {
			return err
		}
		if err := retryVoid(ctx, s.opts.MaxRetries, func() error {
			return s.transport.PushChanges(ctx, peerAddr, PushRequest{ShardID: shardID, DeltaPayload: payload})
		}); err != nil {
			return err
		}
	}
	return nil
}

// retry runs op with exponential backoff up to maxRetries attempts in total
// (maxRetries must be at least 1), returning op's last result once it
// succeeds or the budget is exhausted.
func retry[T any](ctx context.Context, maxRetries uint64, op func() (T, error)) (T, error) {
	var result T
	attempt := func() error {
		r, err := op()
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries-1), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return result, err
	}
	return result, nil
}

// retryVoid is retry for operations with no meaningful return value.
func retryVoid(ctx context.Context, maxRetries uint64, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries-1), ctx)
	return backoff.Retry(op, policy)
}
