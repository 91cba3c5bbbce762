package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/flowchartsman/retry"
)

// outbox delivers the entries of one tenure to one follower, in order and
// at least once. The queue is bounded: when the follower falls too far
// behind the oldest entries are dropped and the follower closes the gap by
// catch-up once the next entry arrives.
type outbox struct {
	node  string
	peer  IPeer
	term  int64
	group uint64

	limit     int
	batchSize int
	retries   int

	mu     sync.Mutex
	queue  []store.Entry
	notify chan struct{}
}

func newOutbox(p Peer, group uint64, term int64, config Config) *outbox {
	return &outbox{
		node:      p.Node,
		peer:      p.IPeer,
		term:      term,
		group:     group,
		limit:     config.OutboxSize,
		batchSize: config.BatchSize,
		retries:   config.SendRetries,
		notify:    make(chan struct{}, 1),
	}
}

// push enqueues entries without blocking.
func (o *outbox) push(entries ...store.Entry) {
	o.mu.Lock()
	o.queue = append(o.queue, entries...)
	if over := len(o.queue) - o.limit; o.limit > 0 && over > 0 {
		o.queue = append(o.queue[:0:0], o.queue[over:]...)
		Logger.Debugf("group %d: outbox of %s full, dropped %d entries", o.group, o.node, over)
	}
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// peek returns the next batch without removing it.
func (o *outbox) peek() []store.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := min(len(o.queue), o.batchSize)
	return append([]store.Entry(nil), o.queue[:n]...)
}

// ack removes delivered entries from the head of the queue. Entries dropped
// in the meantime shift the head, so delivered entries are matched by seq.
func (o *outbox) ack(lastSeq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := 0
	for i < len(o.queue) && o.queue[i].Seq <= lastSeq {
		i++
	}
	o.queue = o.queue[i:]
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// run sends until ctx is done or the follower reports a newer term.
func (o *outbox) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.notify:
		}

		for {
			batch := o.peek()
			if len(batch) == 0 {
				break
			}
			err := o.send(ctx, batch)
			if err == nil {
				o.ack(batch[len(batch)-1].Seq)
				continue
			}
			if errors.Is(err, ErrStaleTerm) {
				Logger.Warningf("group %d: follower %s follows a newer leader, stopping replication of term %d", o.group, o.node, o.term)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			// keep the queue and try again on the next push or after a pause
			Logger.Warningf("group %d: replication to %s failed (%d pending): %v", o.group, o.node, o.pending(), err)
			o.retryLater(ctx)
			break
		}
	}
}

func (o *outbox) send(ctx context.Context, batch []store.Entry) error {
	var lastErr error
	retrier := retry.NewRetrier(o.retries, 10*time.Millisecond, time.Second)
	_ = retrier.RunContext(ctx, func(ctx context.Context) error {
		_, err := o.peer.Replicate(ctx, o.term, batch)
		lastErr = err
		if errors.Is(err, ErrStaleTerm) {
			return nil
		}
		return err
	})
	return lastErr
}

// retryLater re-arms the notification after a pause.
func (o *outbox) retryLater(ctx context.Context) {
	t := time.NewTimer(time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
}
