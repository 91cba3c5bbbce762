package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/metrics"
	"github.com/ValentinKolb/dSeq/lib/sequence"
	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

var Logger = logger.GetLogger("replication")

// Config configures the engine of one group.
type Config struct {
	// Group is the replication group of the engine.
	Group uint64
	// Node is the id of the local node.
	Node string
	// Domain is the sequence domain writes of the group draw from.
	Domain string

	// BufferSize bounds the reorder buffer of the follower side (default 4096).
	BufferSize int
	// OutboxSize bounds the queue per follower on the leader side (default 16384).
	OutboxSize int
	// BatchSize is the maximum number of entries per Replicate call (default 256).
	BatchSize int
	// SendRetries is the number of attempts per batch (default 5).
	SendRetries int
	// CatchUpBatch is the maximum number of entries per catch-up answer (default 1024).
	CatchUpBatch int
	// PeerTimeout bounds every call to a peer (default 2s).
	PeerTimeout time.Duration
	// PeerRefresh is the interval the leader re-reads the follower set (default 1s).
	PeerRefresh time.Duration
	// Retention is the number of sequences kept in the log before it is
	// compacted (0 keeps everything).
	Retention uint64

	// OnAppend is called with the new high-water mark after every append,
	// while the write lock is held. It must not block.
	OnAppend func(highWater uint64)
}

func (c *Config) sanitize() {
	if c.Domain == "" {
		c.Domain = sequence.GroupDomain(c.Group)
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 16384
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.SendRetries <= 0 {
		c.SendRetries = 5
	}
	if c.CatchUpBatch <= 0 {
		c.CatchUpBatch = 1024
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 2 * time.Second
	}
	if c.PeerRefresh <= 0 {
		c.PeerRefresh = time.Second
	}
	if c.OnAppend == nil {
		c.OnAppend = func(uint64) {}
	}
}

// Engine replicates the log of one group. The same engine serves the leader
// side (Accept, Reconcile, CatchUp) and the follower side (Replicate).
type Engine struct {
	config     Config
	store      store.IStore
	sequencer  sequence.ISequencer
	leadership ILeadership
	directory  IDirectory

	// seqMu orders the calls to the sequencer, so the local pipeline receives
	// sequence numbers in increasing order. lastSeq is the last issued one.
	seqMu   sync.Mutex
	lastSeq uint64

	// mu is the write lock of the group: every append happens under it.
	mu        sync.Mutex
	committed *sync.Cond
	tip       uint64 // last entry appended by the leader pipeline
	inflight  int    // sequenced entries not yet appended
	pending   map[string]pendingOp
	failed    error
	buffer    *reorderBuffer
	outboxes  *xsync.MapOf[string, *outbox]

	term      *atomic.Int64 // newest leader term seen
	tenure    *atomic.Int64 // term of the reconciled leader tenure (0 if none)
	resync    *atomic.Bool
	closed    *atomic.Bool
	catchUpCh chan struct{}
	stop      chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingOp is the last operation sequenced for a key whose entries are
// not all appended yet.
type pendingOp struct {
	op store.Op
	n  int
}

// New creates the engine of a group. leadership may be nil for engines
// that never lead (tests, read replicas).
func New(config Config, s store.IStore, sequencer sequence.ISequencer, leadership ILeadership, directory IDirectory) *Engine {
	config.sanitize()
	e := &Engine{
		config:     config,
		store:      s,
		sequencer:  sequencer,
		leadership: leadership,
		directory:  directory,
		buffer:     newReorderBuffer(config.BufferSize),
		pending:    make(map[string]pendingOp),
		term:       atomic.NewInt64(0),
		tenure:     atomic.NewInt64(0),
		resync:     atomic.NewBool(false),
		closed:     atomic.NewBool(false),
		catchUpCh:  make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	e.committed = sync.NewCond(&e.mu)
	e.tip = s.HighWater()
	e.lastSeq = e.tip
	metrics.HighWater(config.Group, s.HighWater)
	return e
}

// Start runs the catch-up worker of the follower side until Close.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.catchUpLoop(ctx)
	}()
}

// Close stops all background work of the engine. The store stays open.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.stop)
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	e.committed.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// Group returns the group of the engine.
func (e *Engine) Group() uint64 {
	return e.config.Group
}

// Store returns the local store of the group.
func (e *Engine) Store() store.IStore {
	return e.store
}

// Buffered returns the number of entries waiting for their predecessor.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer.Len()
}

// --------------------------------------------------------------------------
// Served to peers (docu see IPeer)
// --------------------------------------------------------------------------

func (e *Engine) HighWater(context.Context) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	return e.store.HighWater(), nil
}

func (e *Engine) CatchUp(_ context.Context, req CatchUpRequest) (CatchUpResponse, error) {
	if e.closed.Load() {
		return CatchUpResponse{}, ErrClosed
	}
	limit := req.Max
	if limit <= 0 || limit > e.config.CatchUpBatch {
		limit = e.config.CatchUpBatch
	}

	highWater := e.store.HighWater()
	if !req.ForceSnapshot {
		if req.From >= highWater {
			return CatchUpResponse{HighWater: highWater}, nil
		}
		entries, err := e.store.Range(req.From, 0, limit)
		switch {
		case err == nil && len(entries) > 0 && entries[0].Prev == req.From:
			return CatchUpResponse{Entries: entries, HighWater: highWater}, nil
		case err != nil && !errors.Is(err, store.ErrCompacted):
			return CatchUpResponse{}, fmt.Errorf("replication: reading log after %d: %w", req.From, err)
		}
		// compacted, or From is not part of the local log
	}

	snap, err := e.store.Snapshot()
	if err != nil {
		return CatchUpResponse{}, fmt.Errorf("replication: snapshot: %w", err)
	}
	Logger.Infof("group %d: answering catch-up from %d with snapshot at %d (%d keys)", e.config.Group, req.From, snap.HighWater, len(snap.Data))
	return CatchUpResponse{Snapshot: EncodeSnapshot(snap), HighWater: snap.HighWater}, nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// appended runs the bookkeeping after entries were appended. Must be called
// with e.mu held.
func (e *Engine) appended(n int, highWater uint64) {
	metrics.Applied(e.config.Group).Add(n)
	e.config.OnAppend(highWater)

	if r := e.config.Retention; r > 0 {
		if start := e.store.LogStart(); highWater > start+2*r {
			if err := e.store.Compact(highWater - r); err != nil {
				Logger.Warningf("group %d: compaction up to %d failed: %v", e.config.Group, highWater-r, err)
			}
		}
	}
}

// observeTerm records term and reports whether it is not older than the
// newest term seen so far.
func (e *Engine) observeTerm(term int64) bool {
	for {
		current := e.term.Load()
		if term < current {
			return false
		}
		if term == current || e.term.CompareAndSwap(current, term) {
			return true
		}
	}
}
