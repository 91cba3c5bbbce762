package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/clock"
	"github.com/ValentinKolb/dSeq/lib/coord"
	"go.uber.org/atomic"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type record struct {
	value []byte
	rev   int64
	lease coord.LeaseID
}

type leaseRecord struct {
	ttl    time.Duration
	expiry time.Time
	keys   map[string]struct{}
}

// Option configures the in-memory coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for lease expiry.
func WithClock(c clock.Clock) Option {
	return func(m *Coordinator) { m.clock = c }
}

// Coordinator is an in-process implementation of coord.ICoordinator.
//
// Leases expire lazily: every operation first sweeps leases whose deadline
// (according to the configured clock) has passed. Tests that advance a
// simulated clock call ExpireLeases to make the expiry observable to watchers
// without issuing another request.
type Coordinator struct {
	mu        sync.Mutex
	clock     clock.Clock
	revision  int64
	data      map[string]*record
	leases    map[coord.LeaseID]*leaseRecord
	nextLease uint64
	watchers  map[uint64]*watcher
	nextWatch uint64
	closed    bool

	unavailable *atomic.Bool
}

// enforce compilation error if the interface is not implemented
var _ coord.ICoordinator = (*Coordinator)(nil)

// New creates an empty in-memory coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:       clock.New(),
		data:        make(map[string]*record),
		leases:      make(map[coord.LeaseID]*leaseRecord),
		watchers:    make(map[uint64]*watcher),
		unavailable: atomic.NewBool(false),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetUnavailable switches fault injection on or off. While on, every call
// fails with an error wrapping coord.ErrUnavailable.
func (c *Coordinator) SetUnavailable(unavailable bool) {
	c.unavailable.Store(unavailable)
}

// ExpireLeases removes all leases whose deadline has passed.
func (c *Coordinator) ExpireLeases() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see coord.ICoordinator)
// --------------------------------------------------------------------------

func (c *Coordinator) Get(ctx context.Context, key string) (coord.KeyValue, bool, error) {
	if err := c.enter(ctx); err != nil {
		return coord.KeyValue{}, false, err
	}
	defer c.mu.Unlock()

	r, ok := c.data[key]
	if !ok {
		return coord.KeyValue{}, false, nil
	}
	return toKV(key, r), true, nil
}

func (c *Coordinator) List(ctx context.Context, prefix string) ([]coord.KeyValue, error) {
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	defer c.mu.Unlock()

	kvs := make([]coord.KeyValue, 0)
	for k, r := range c.data {
		if strings.HasPrefix(k, prefix) {
			kvs = append(kvs, toKV(k, r))
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

func (c *Coordinator) CompareAndSwap(ctx context.Context, key string, rev int64, value []byte, lease coord.LeaseID) (bool, error) {
	if err := c.enter(ctx); err != nil {
		return false, err
	}
	defer c.mu.Unlock()

	current, exists := c.data[key]
	switch {
	case rev == 0 && exists:
		return false, nil
	case rev != 0 && (!exists || current.rev != rev):
		return false, nil
	}
	if err := c.putLocked(key, value, lease); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) CompareAndDelete(ctx context.Context, key string, rev int64) (bool, error) {
	if err := c.enter(ctx); err != nil {
		return false, err
	}
	defer c.mu.Unlock()

	current, exists := c.data[key]
	if !exists || current.rev != rev {
		return false, nil
	}
	c.deleteLocked(key)
	return true, nil
}

func (c *Coordinator) Put(ctx context.Context, key string, value []byte, lease coord.LeaseID) error {
	if err := c.enter(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()
	return c.putLocked(key, value, lease)
}

func (c *Coordinator) Delete(ctx context.Context, key string) error {
	if err := c.enter(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()
	c.deleteLocked(key)
	return nil
}

func (c *Coordinator) Grant(ctx context.Context, ttl time.Duration) (coord.LeaseID, error) {
	if err := c.enter(ctx); err != nil {
		return coord.NoLease, err
	}
	defer c.mu.Unlock()

	if ttl <= 0 {
		return coord.NoLease, fmt.Errorf("invalid lease ttl %s", ttl)
	}
	c.nextLease++
	id := coord.LeaseID(strconv.FormatUint(c.nextLease, 16))
	c.leases[id] = &leaseRecord{
		ttl:    ttl,
		expiry: c.clock.Now().Add(ttl),
		keys:   make(map[string]struct{}),
	}
	return id, nil
}

func (c *Coordinator) KeepAlive(ctx context.Context, id coord.LeaseID) (time.Duration, error) {
	if err := c.enter(ctx); err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	l, ok := c.leases[id]
	if !ok {
		return 0, coord.ErrLeaseNotFound
	}
	l.expiry = c.clock.Now().Add(l.ttl)
	return l.ttl, nil
}

func (c *Coordinator) Revoke(ctx context.Context, id coord.LeaseID) error {
	if err := c.enter(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()

	if _, ok := c.leases[id]; !ok {
		return coord.ErrLeaseNotFound
	}
	c.revokeLocked(id)
	return nil
}

func (c *Coordinator) Watch(ctx context.Context, prefix string) (<-chan coord.Event, error) {
	if err := c.enter(ctx); err != nil {
		return nil, err
	}
	c.nextWatch++
	id := c.nextWatch
	w := newWatcher(prefix)
	c.watchers[id] = w
	c.mu.Unlock()

	go w.run(ctx, func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	})
	return w.out, nil
}

func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, w := range c.watchers {
		w.stop()
		delete(c.watchers, id)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// enter checks the fault switch and the context, acquires the lock and sweeps
// expired leases. On success the caller owns c.mu.
func (c *Coordinator) enter(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.unavailable.Load() {
		return fmt.Errorf("%w: injected fault", coord.ErrUnavailable)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return coord.ErrClosed
	}
	c.expireLocked()
	return nil
}

func (c *Coordinator) putLocked(key string, value []byte, lease coord.LeaseID) error {
	if lease != coord.NoLease {
		l, ok := c.leases[lease]
		if !ok {
			return coord.ErrLeaseNotFound
		}
		l.keys[key] = struct{}{}
	}
	if old, ok := c.data[key]; ok && old.lease != coord.NoLease && old.lease != lease {
		if l, ok := c.leases[old.lease]; ok {
			delete(l.keys, key)
		}
	}

	c.revision++
	r := &record{
		value: append([]byte(nil), value...),
		rev:   c.revision,
		lease: lease,
	}
	c.data[key] = r
	c.notifyLocked(coord.Event{Type: coord.EventPut, KV: toKV(key, r)})
	return nil
}

func (c *Coordinator) deleteLocked(key string) {
	r, ok := c.data[key]
	if !ok {
		return
	}
	delete(c.data, key)
	if r.lease != coord.NoLease {
		if l, ok := c.leases[r.lease]; ok {
			delete(l.keys, key)
		}
	}
	c.revision++
	c.notifyLocked(coord.Event{Type: coord.EventDelete, KV: coord.KeyValue{Key: key, Revision: c.revision}})
}

func (c *Coordinator) revokeLocked(id coord.LeaseID) {
	l, ok := c.leases[id]
	if !ok {
		return
	}
	delete(c.leases, id)
	keys := make([]string, 0, len(l.keys))
	for k := range l.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.deleteLocked(k)
	}
}

func (c *Coordinator) expireLocked() {
	now := c.clock.Now()
	for id, l := range c.leases {
		if !now.Before(l.expiry) {
			c.revokeLocked(id)
		}
	}
}

func (c *Coordinator) notifyLocked(ev coord.Event) {
	for _, w := range c.watchers {
		if strings.HasPrefix(ev.KV.Key, w.prefix) {
			w.push(ev)
		}
	}
}

func toKV(key string, r *record) coord.KeyValue {
	return coord.KeyValue{
		Key:      key,
		Value:    append([]byte(nil), r.value...),
		Revision: r.rev,
		Lease:    r.lease,
	}
}
