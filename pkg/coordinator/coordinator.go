// Package coordinator schedules sync tasks across a set of registered peers
// and shards, bounding concurrency and applying priority decay on retry.
package coordinator

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	syncengine "github.com/liliang-cn/agentdb/pkg/sync"
)

// PeerInfo describes a registered replication peer.
type PeerInfo struct {
	ID             string
	Address        string
	AdvertisedShards []string
}

// PeerStatus is the last-observed health of a peer.
type PeerStatus struct {
	Healthy     bool
	LastChecked time.Time
	LastError   string
}

// Task is one scheduled (shard, peer) sync job.
type Task struct {
	ShardID  string
	PeerID   string
	Priority int // higher runs sooner
	Attempts int

	index int // heap bookkeeping
}

// taskQueue is a max-priority-queue ordered by Task.Priority.
type taskQueue []*Task

func (q taskQueue) Len() int            { return len(q) }
func (q taskQueue) Less(i, j int) bool  { return q[i].Priority > q[j].Priority }
func (q taskQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *taskQueue) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Stats accumulates coordinator-wide counters for observability.
type Stats struct {
	mu        sync.Mutex
	Completed uint64
	Failed    uint64
	Dropped   uint64
}

func (s *Stats) recordCompleted() { s.mu.Lock(); s.Completed++; s.mu.Unlock() }
func (s *Stats) recordFailed()    { s.mu.Lock(); s.Failed++; s.mu.Unlock() }
func (s *Stats) recordDropped()   { s.mu.Lock(); s.Dropped++; s.mu.Unlock() }

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Completed: s.Completed, Failed: s.Failed, Dropped: s.Dropped}
}

// ShardResolver maps a shard id to the syncengine.Shard the coordinator
// should sync. The coordinator has no opinion on how shards are stored.
type ShardResolver func(shardID string) (syncengine.Shard, bool)

// Config controls coordinator scheduling behavior.
type Config struct {
	Concurrency   int
	MaxRetries    int
	PriorityDecay int // subtracted from priority after each failed attempt
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PriorityDecay <= 0 {
		c.PriorityDecay = 1
	}
	return c
}

// Coordinator owns the registered peer set and schedules sync sessions
// against them with bounded concurrency.
type Coordinator struct {
	mu       sync.Mutex
	peers    map[string]PeerInfo
	statuses map[string]PeerStatus
	queue    taskQueue

	cfg      Config
	session  *syncengine.Session
	resolver ShardResolver
	stats    Stats
}

// New constructs a Coordinator. session drives each individual (shard, peer)
// exchange; resolver supplies the local Shard for a given shard id.
func New(session *syncengine.Session, resolver ShardResolver, cfg Config) *Coordinator {
	return &Coordinator{
		peers:    make(map[string]PeerInfo),
		statuses: make(map[string]PeerStatus),
		cfg:      cfg.withDefaults(),
		session:  session,
		resolver: resolver,
	}
}

// RegisterPeer adds or updates a peer in the registered set.
func (c *Coordinator) RegisterPeer(info PeerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[info.ID] = info
}

// Unregister removes a peer from the registered set.
func (c *Coordinator) Unregister(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, peerID)
	delete(c.statuses, peerID)
}

// Schedule enqueues a sync task for (shardID, peerID) at the given priority.
func (c *Coordinator) Schedule(shardID, peerID string, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	heap.Push(&c.queue, &Task{ShardID: shardID, PeerID: peerID, Priority: priority})
}

// Run drains the task queue, running up to cfg.Concurrency sync sessions
// concurrently, until the queue is empty or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, c.cfg.Concurrency)
	var inflight sync.WaitGroup

	for {
		task := c.popTask()
		if task == nil {
			// A failing task requeues itself, so wait for in-flight tasks
			// before treating an empty queue as drained.
			inflight.Wait()
			if task = c.popTask(); task == nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			c.mu.Lock()
			heap.Push(&c.queue, task)
			c.mu.Unlock()
			return g.Wait()
		case sem <- struct{}{}:
		}
		t := task
		inflight.Add(1)
		g.Go(func() error {
			defer inflight.Done()
			defer func() { <-sem }()
			c.runTask(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) popTask() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&c.queue).(*Task)
}

func (c *Coordinator) runTask(ctx context.Context, task *Task) {
	peer, ok := c.peerInfo(task.PeerID)
	if !ok {
		c.stats.recordDropped()
		return
	}
	shard, ok := c.resolver(task.ShardID)
	if !ok {
		c.stats.recordDropped()
		return
	}

	_, err := c.session.Run(ctx, shard, task.PeerID, peer.Address)
	if err != nil {
		c.stats.recordFailed()
		task.Attempts++
		if task.Attempts >= c.cfg.MaxRetries {
			c.stats.recordDropped()
			return
		}
		task.Priority -= c.cfg.PriorityDecay
		c.mu.Lock()
		heap.Push(&c.queue, task)
		c.mu.Unlock()
		return
	}
	c.stats.recordCompleted()
}

func (c *Coordinator) peerInfo(peerID string) (PeerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.peers[peerID]
	return info, ok
}

// HealthCheck performs a lightweight ping against every registered peer and
// records the resulting PeerStatus.
func (c *Coordinator) HealthCheck(ctx context.Context, pinger func(ctx context.Context, addr string) error) {
	c.mu.Lock()
	peers := make([]PeerInfo, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	for _, p := range peers {
		err := pinger(ctx, p.Address)
		status := PeerStatus{Healthy: err == nil, LastChecked: time.Now()}
		if err != nil {
			status.LastError = err.Error()
		}
		c.mu.Lock()
		c.statuses[p.ID] = status
		c.mu.Unlock()
	}
}

// Status returns the last recorded health for a peer.
func (c *Coordinator) Status(peerID string) (PeerStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[peerID]
	return status, ok
}

// StatsSnapshot returns the coordinator's accumulated counters.
func (c *Coordinator) StatsSnapshot() Stats {
	return c.stats.Snapshot()
}
