package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSeq/lib/metrics"
	"github.com/ValentinKolb/dSeq/lib/store"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Accept sequences a write on the leader, appends it to the local log,
// queues it for every follower and acknowledges once it is locally durable.
//
// Seq and Prev of the entry are assigned here. If ctx is done before the
// sequencer issued a number, nothing is applied and the context error is
// returned. Once a number was issued the entry is appended and replicated
// even if ctx is done.
func (e *Engine) Accept(ctx context.Context, entry store.Entry) (Ack, error) {
	start := time.Now()
	group := e.config.Group

	if err := e.validate(entry); err != nil {
		metrics.Rejected(group, "invalid").Inc()
		return Ack{}, err
	}
	if e.leadership == nil {
		return Ack{}, ErrNotLeader
	}
	if err := e.leadership.Verify(ctx); err != nil {
		metrics.Rejected(group, "not_leader").Inc()
		return Ack{}, fmt.Errorf("%w: %w", ErrNotLeader, err)
	}
	if term := e.leadership.Term(); term == 0 || term != e.tenure.Load() {
		metrics.Rejected(group, "not_leader").Inc()
		return Ack{}, fmt.Errorf("%w: tenure of term %d is not reconciled", ErrNotLeader, term)
	}
	if entry.TxnID == "" {
		entry.TxnID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}

	seq, prev, err := e.sequence(ctx, entry)
	if errors.Is(err, store.ErrKeyNotFound) {
		metrics.Rejected(group, "invalid").Inc()
		return Ack{}, err
	}
	if err != nil {
		metrics.Rejected(group, "sequencer").Inc()
		return Ack{}, err
	}
	entry.Seq, entry.Prev = seq, prev

	highWater, err := e.commit(entry)
	if err != nil {
		return Ack{}, err
	}
	metrics.Accepted(group).Inc()
	metrics.ObserveAccept(group, start)
	return Ack{Seq: seq, HighWater: highWater}, nil
}

// Reconcile prepares the local log for a new tenure: it waits for entries
// still in flight from an earlier tenure, pulls the suffix the most advanced
// follower has and the local log misses, checks that the sequence counter
// is not behind the log, and starts replicating to every follower from its
// own high-water mark. It is the elected hook of the election state machine;
// replication stops when ctx is done.
func (e *Engine) Reconcile(ctx context.Context, term int64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.observeTerm(term)

	e.mu.Lock()
	for e.inflight > 0 {
		e.committed.Wait()
	}
	e.mu.Unlock()

	followers := e.directory.Followers()
	marks := make([]uint64, len(followers))
	reached := make([]bool, len(followers))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range followers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, e.config.PeerTimeout)
			defer cancel()
			hw, err := p.HighWater(cctx)
			if err != nil {
				Logger.Warningf("group %d: follower %s unreachable during reconciliation: %v", e.config.Group, p.Node, err)
				return nil
			}
			marks[i], reached[i] = hw, true
			return nil
		})
	}
	_ = g.Wait()

	local := e.store.HighWater()
	best := -1
	for i := range followers {
		if reached[i] && marks[i] > local && (best < 0 || marks[i] > marks[best]) {
			best = i
		}
	}
	if best >= 0 {
		Logger.Infof("group %d: follower %s is ahead (%d > %d), pulling its log", e.config.Group, followers[best].Node, marks[best], local)
		if err := e.pull(ctx, followers[best], marks[best]); err != nil {
			return fmt.Errorf("replication: reconciling with %s: %w", followers[best].Node, err)
		}
	}

	local = e.store.HighWater()
	counter, err := e.sequencer.Current(ctx, e.config.Domain)
	if err != nil {
		return fmt.Errorf("replication: reading sequence counter: %w", err)
	}
	if counter < local {
		return fmt.Errorf("replication: sequence counter of %s at %d is behind the log of group %d at %d", e.config.Domain, counter, e.config.Group, local)
	}

	outboxes := xsync.NewMapOf[string, *outbox]()
	for i, p := range followers {
		ob := newOutbox(p, e.config.Group, term, e.config)
		if reached[i] && marks[i] < local {
			tail, err := e.store.Range(marks[i], local, e.config.OutboxSize)
			if err == nil {
				ob.push(tail...)
			} else {
				Logger.Warningf("group %d: cannot re-send tail after %d to %s: %v", e.config.Group, marks[i], p.Node, err)
			}
		}
		outboxes.Store(p.Node, ob)
	}

	e.mu.Lock()
	e.tip, e.failed = local, nil
	e.buffer = newReorderBuffer(e.config.BufferSize)
	e.outboxes = outboxes
	e.mu.Unlock()
	e.lastSeq = local
	e.resync.Store(false)
	e.tenure.Store(term)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTenure(ctx, term, outboxes)
	}()

	Logger.Infof("group %d: reconciled at %d for term %d with %d followers", e.config.Group, local, term, len(followers))
	return nil
}

// Demoted stops queueing entries for followers. It is the demoted hook of
// the election state machine.
func (e *Engine) Demoted() {
	e.tenure.Store(0)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outboxes = nil
}

// --------------------------------------------------------------------------
// Pipeline
// --------------------------------------------------------------------------

func (e *Engine) validate(entry store.Entry) error {
	if entry.Op != store.OpWrite && entry.Op != store.OpDelete {
		return fmt.Errorf("%w: %s is not a write", store.ErrInvalidOp, entry.Op)
	}
	return store.ValidateKey(entry.Key)
}

// sequence draws the next number for entry and links it to its
// predecessor. The sequencer is called under seqMu only, never under the
// write lock. A delete is decided against the state the log reaches once
// every entry sequenced before it is appended, so of concurrent deletes of
// one key only the first is sequenced.
func (e *Engine) sequence(ctx context.Context, entry store.Entry) (seq, prev uint64, err error) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	if e.closed.Load() {
		return 0, 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if entry.Op == store.OpDelete {
		found, err := e.exists(entry.Key)
		if err != nil {
			return 0, 0, err
		}
		if !found {
			return 0, 0, fmt.Errorf("%w: %q", store.ErrKeyNotFound, entry.Key)
		}
	}

	seq, err = e.sequencer.Next(ctx, e.config.Domain)
	if err != nil {
		return 0, 0, err
	}
	if seq <= e.lastSeq {
		// applying it would collide with an existing entry
		return 0, 0, fmt.Errorf("replication: sequencer issued %d for %s, log is already at %d", seq, e.config.Domain, e.lastSeq)
	}
	prev, e.lastSeq = e.lastSeq, seq

	e.mu.Lock()
	e.inflight++
	p := e.pending[entry.Key]
	p.op, p.n = entry.Op, p.n+1
	e.pending[entry.Key] = p
	e.mu.Unlock()
	return seq, prev, nil
}

// exists reports whether key is present after every sequenced entry is
// appended. Must be called with seqMu held.
func (e *Engine) exists(key string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[key]; ok {
		return p.op == store.OpWrite, nil
	}
	return e.store.Has(key)
}

// commit appends a sequenced entry once its predecessor was appended and
// queues it for the followers.
func (e *Engine) commit(entry store.Entry) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		e.inflight--
		if p := e.pending[entry.Key]; p.n > 1 {
			p.n--
			e.pending[entry.Key] = p
		} else {
			delete(e.pending, entry.Key)
		}
		e.committed.Broadcast()
	}()

	for e.tip != entry.Prev && e.failed == nil {
		e.committed.Wait()
	}
	if e.failed != nil {
		Logger.Errorf("group %d: dropping seq %d, the pipeline failed before", e.config.Group, entry.Seq)
		return 0, &PipelineError{Seq: entry.Seq, Err: e.failed}
	}

	highWater, err := e.store.Append(entry)
	if err != nil {
		e.failed = err
		Logger.Errorf("group %d: append of seq %d failed, stepping down: %v", e.config.Group, entry.Seq, err)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.config.PeerTimeout)
			defer cancel()
			_ = e.leadership.StepDown(ctx)
		}()
		return highWater, &PipelineError{Seq: entry.Seq, Err: err}
	}
	e.tip = entry.Seq
	e.appended(1, highWater)

	if e.outboxes != nil {
		e.outboxes.Range(func(_ string, ob *outbox) bool {
			ob.push(entry)
			return true
		})
	}
	return highWater, nil
}

// runTenure runs the outboxes of one term and keeps the follower set current
// until ctx is done or the engine is closed.
func (e *Engine) runTenure(ctx context.Context, term int64, outboxes *xsync.MapOf[string, *outbox]) {
	g, gctx := errgroup.WithContext(ctx)
	cancels := make(map[string]context.CancelFunc)
	start := func(node string, ob *outbox) {
		octx, cancel := context.WithCancel(gctx)
		cancels[node] = cancel
		g.Go(func() error { return ob.run(octx) })
	}
	outboxes.Range(func(node string, ob *outbox) bool {
		start(node, ob)
		return true
	})

	ticker := time.NewTicker(e.config.PeerRefresh)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-e.stop:
			done = true
		case <-ticker.C:
			current := mapset.NewThreadUnsafeSet[string]()
			for _, p := range e.directory.Followers() {
				current.Add(p.Node)
				ob, loaded := outboxes.LoadOrCompute(p.Node, func() *outbox {
					return newOutbox(p, e.config.Group, term, e.config)
				})
				if !loaded {
					Logger.Infof("group %d: replicating to new follower %s", e.config.Group, p.Node)
					start(p.Node, ob)
				}
			}
			outboxes.Range(func(node string, _ *outbox) bool {
				if !current.Contains(node) {
					Logger.Infof("group %d: follower %s left", e.config.Group, node)
					outboxes.Delete(node)
					cancels[node]()
					delete(cancels, node)
				}
				return true
			})
		}
	}
	for _, cancel := range cancels {
		cancel()
	}
	_ = g.Wait()
}
