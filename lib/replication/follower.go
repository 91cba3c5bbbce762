package replication

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dSeq/lib/metrics"
	"github.com/ValentinKolb/dSeq/lib/store"
)

// Replicate applies entries sent by the leader of term. Entries are applied
// strictly in log order: an entry whose predecessor is missing is buffered
// and a catch-up pull is scheduled, an entry that was already applied is
// ignored. The returned high-water mark is the acknowledgement; buffered
// entries are not covered by it.
func (e *Engine) Replicate(_ context.Context, term int64, entries []store.Entry) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if !e.observeTerm(term) {
		return e.store.HighWater(), ErrStaleTerm
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range entries {
		if err := e.applyLocked(entry); err != nil {
			var gap *SequenceGapError
			if errors.As(err, &gap) {
				Logger.Debugf("%v", gap)
				continue
			}
			if errors.Is(err, ErrDiverged) {
				break
			}
			return e.store.HighWater(), err
		}
	}
	return e.store.HighWater(), nil
}

// Apply applies a single entry of the current term (see Replicate).
func (e *Engine) Apply(ctx context.Context, entry store.Entry) (uint64, error) {
	return e.Replicate(ctx, e.term.Load(), []store.Entry{entry})
}

// applyLocked applies or buffers one entry. Must be called with e.mu held.
func (e *Engine) applyLocked(entry store.Entry) error {
	highWater := e.store.HighWater()
	switch {
	case entry.Seq <= highWater:
		return nil

	case entry.Prev == highWater:
		hw, err := e.store.Append(entry)
		if err != nil {
			return err
		}
		n := 1
		for {
			next, ok := e.buffer.take(hw)
			if !ok {
				break
			}
			if hw, err = e.store.Append(next); err != nil {
				Logger.Errorf("group %d: buffered seq %d failed to apply: %v", e.config.Group, next.Seq, err)
				break
			}
			n++
		}
		e.appended(n, hw)
		return nil

	case entry.Prev < highWater:
		// the local log holds entries after entry.Prev the leader never had
		Logger.Warningf("group %d: seq %d follows %d but the local log is at %d, requesting snapshot", e.config.Group, entry.Seq, entry.Prev, highWater)
		e.requestCatchUp(true)
		return ErrDiverged

	default:
		if e.buffer.add(entry) {
			metrics.Buffered(e.config.Group).Inc()
		}
		e.requestCatchUp(false)
		return &SequenceGapError{Group: e.config.Group, HighWater: highWater, Seq: entry.Seq, Prev: entry.Prev}
	}
}

// --------------------------------------------------------------------------
// Catch-up
// --------------------------------------------------------------------------

func (e *Engine) requestCatchUp(snapshot bool) {
	if snapshot {
		e.resync.Store(true)
	}
	select {
	case e.catchUpCh <- struct{}{}:
	default:
	}
}

// lagging reports whether a gap or a divergence is still unresolved.
func (e *Engine) lagging() bool {
	return e.resync.Load() || e.Buffered() > 0
}

func (e *Engine) catchUpLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.catchUpCh:
		}

		leader, ok := e.directory.Leader()
		if !ok {
			e.retryCatchUp(ctx)
			continue
		}
		if err := e.pull(ctx, leader, 0); err != nil {
			if ctx.Err() != nil {
				return
			}
			Logger.Warningf("group %d: catch-up from %s failed: %v", e.config.Group, leader.Node, err)
			e.retryCatchUp(ctx)
		}
	}
}

// retryCatchUp schedules another pull after a pause if still lagging.
func (e *Engine) retryCatchUp(ctx context.Context) {
	t := time.NewTimer(e.config.PeerTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		if e.lagging() {
			e.requestCatchUp(false)
		}
	}
}

// pull fetches the log of peer until the local high-water mark reaches
// target, or the high-water mark the peer reported if target is 0.
func (e *Engine) pull(ctx context.Context, peer Peer, target uint64) error {
	for {
		from := e.store.HighWater()
		if target > 0 && from >= target {
			return nil
		}

		force := e.resync.Swap(false)
		cctx, cancel := context.WithTimeout(ctx, e.config.PeerTimeout)
		resp, err := peer.CatchUp(cctx, CatchUpRequest{From: from, Max: e.config.CatchUpBatch, ForceSnapshot: force})
		cancel()
		if err != nil {
			if force {
				e.resync.Store(true)
			}
			return err
		}
		metrics.CatchUps(e.config.Group, resp.Snapshot != nil).Inc()

		if err := e.install(resp); err != nil {
			return err
		}
		highWater := e.store.HighWater()
		if highWater == from || highWater >= resp.HighWater {
			if e.resync.Load() {
				continue
			}
			return nil
		}
	}
}

// install restores a snapshot or applies the entries of a catch-up answer.
func (e *Engine) install(resp CatchUpResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if resp.Snapshot != nil {
		snap, err := DecodeSnapshot(resp.Snapshot)
		if err != nil {
			return err
		}
		if local := e.store.HighWater(); local > snap.HighWater {
			Logger.Errorf("group %d: discarding local entries after %d up to %d that the leader does not have", e.config.Group, snap.HighWater, local)
		}
		if err := e.store.Restore(snap); err != nil {
			return err
		}
		Logger.Infof("group %d: restored snapshot at %d (%d keys)", e.config.Group, snap.HighWater, len(snap.Data))
		e.buffer.dropUpTo(snap.HighWater)
		e.appended(0, snap.HighWater)
		if next, ok := e.buffer.take(snap.HighWater); ok {
			return ignoreGap(e.applyLocked(next))
		}
		return nil
	}

	for _, entry := range resp.Entries {
		if err := ignoreGap(e.applyLocked(entry)); err != nil {
			if errors.Is(err, ErrDiverged) {
				return nil
			}
			return err
		}
	}
	e.buffer.dropUpTo(e.store.HighWater())
	return nil
}

func ignoreGap(err error) error {
	var gap *SequenceGapError
	if errors.As(err, &gap) {
		return nil
	}
	return err
}
