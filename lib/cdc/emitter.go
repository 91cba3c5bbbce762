package cdc

import (
	"context"
	"errors"
	"sync"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("cdc")

// ErrClosed is returned by Next once the subscription or the emitter was
// closed.
var ErrClosed = errors.New("cdc: closed")

// defaultBatch is the number of records read from a source at once.
const defaultBatch = 256

// ISource provides the records a subscription iterates over.
type ISource interface {
	// Fetch returns up to max records with Seq > from in order. It never
	// returns records beyond the durable high-water mark of the source.
	Fetch(ctx context.Context, from uint64, max int) ([]Record, error)
	// Changed returns a channel that is closed once records newer than the
	// ones visible to a Fetch started after this call may exist.
	Changed() <-chan struct{}
}

// Emitter exposes the applied log of one group as a CDC feed. It reads from
// the local store and is woken by Notify after every append; it never holds
// records itself.
type Emitter struct {
	group uint64
	store store.IStore

	mu      sync.Mutex
	changed chan struct{}
	closed  bool

	subs *xsync.MapOf[string, *Subscription]
}

// NewEmitter creates the emitter of a group.
func NewEmitter(group uint64, s store.IStore) *Emitter {
	return &Emitter{
		group:   group,
		store:   s,
		changed: make(chan struct{}),
		subs:    xsync.NewMapOf[string, *Subscription](),
	}
}

// Notify wakes every waiting subscription. It is the append hook of the
// replication engine and never blocks.
func (e *Emitter) Notify(uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	close(e.changed)
	e.changed = make(chan struct{})
}

// Subscribe starts a session replaying every record with Seq > from and
// following live appends afterwards.
func (e *Emitter) Subscribe(from uint64) *Subscription {
	s := NewSubscription(e, from)
	e.subs.Store(s.ID, s)
	s.onClose = func() { e.subs.Delete(s.ID) }
	return s
}

// Subscriptions returns the number of open sessions.
func (e *Emitter) Subscriptions() int {
	return e.subs.Size()
}

// Close ends every open session.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.changed)
	e.mu.Unlock()

	e.subs.Range(func(_ string, s *Subscription) bool {
		s.Close()
		return true
	})
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ISource)
// --------------------------------------------------------------------------

func (e *Emitter) Fetch(_ context.Context, from uint64, max int) ([]Record, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if max <= 0 {
		max = defaultBatch
	}
	entries, err := e.store.Range(from, 0, max)
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(entries))
	for i, entry := range entries {
		records[i] = FromEntry(e.group, entry)
	}
	return records, nil
}

func (e *Emitter) Changed() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

func (e *Emitter) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

// Subscription is a lazy, ordered and unbounded iterator over the records of
// a source. Records are delivered at most once per subscription: the cursor
// only moves forward.
type Subscription struct {
	ID string

	source  ISource
	cursor  uint64
	pending []Record
	batch   int

	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewSubscription iterates over src starting after from.
func NewSubscription(src ISource, from uint64) *Subscription {
	return &Subscription{
		ID:      uuid.NewString(),
		source:  src,
		cursor:  from,
		batch:   defaultBatch,
		done:    make(chan struct{}),
		onClose: func() {},
	}
}

// Next blocks until the record following the cursor is available and
// returns it. It fails with the context error, with ErrClosed, or with
// store.ErrCompacted if the records after the cursor are no longer in the
// log. Next is not safe for concurrent use.
func (s *Subscription) Next(ctx context.Context) (Record, error) {
	for {
		if len(s.pending) > 0 {
			r := s.pending[0]
			s.pending = s.pending[1:]
			s.cursor = r.Seq
			return r, nil
		}

		select {
		case <-s.done:
			return Record{}, ErrClosed
		default:
		}

		// grab the channel before reading, appends in between close it
		changed := s.source.Changed()
		records, err := s.source.Fetch(ctx, s.cursor, s.batch)
		if err != nil {
			return Record{}, err
		}
		for len(records) > 0 && records[0].Seq <= s.cursor {
			records = records[1:]
		}
		if len(records) > 0 {
			s.pending = records
			continue
		}

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-s.done:
			return Record{}, ErrClosed
		case <-changed:
		}
	}
}

// Cursor returns the sequence of the last delivered record.
func (s *Subscription) Cursor() uint64 {
	return s.cursor
}

// Close ends the session. A blocked Next returns ErrClosed.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.onClose()
	})
}
