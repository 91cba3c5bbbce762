package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/clock"
	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/lease"
	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/ValentinKolb/dSeq/lib/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/atomic"
)

var Logger = logger.GetLogger("election")

// Config configures the elector of one group.
type Config struct {
	// Self is the record published in the leader and standby keys.
	Self membership.Member
	// TTL is the lease duration of the leader and standby keys.
	TTL time.Duration
	// RefreshInterval is the lease refresh interval, must be < TTL.
	RefreshInterval time.Duration
	// RetryInterval is the interval a follower re-checks the leader key
	// when no watch event arrives (default RefreshInterval).
	RetryInterval time.Duration
	// DisableStandby prevents this node from taking the standby key.
	DisableStandby bool
}

// Validate checks the timing parameters.
func (c *Config) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("election: ttl must be positive")
	}
	if c.RefreshInterval <= 0 || c.RefreshInterval >= c.TTL {
		return fmt.Errorf("election: refresh interval %s must be positive and shorter than ttl %s", c.RefreshInterval, c.TTL)
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = c.RefreshInterval
	}
	return nil
}

// Elector runs the election state machine of one group on one node.
//
// Transitions: Follower -> Candidate -> Leader -> (Expired | SteppedDown) ->
// Follower. A failed acquire goes from Candidate back to Follower.
type Elector struct {
	config Config
	coord  coord.ICoordinator
	leases *lease.Manager
	clock  clock.Clock

	state     *atomic.Int32
	standby   *atomic.Bool
	accepting *atomic.Bool

	mu        sync.Mutex
	leader    *lease.Handle
	holdOff   time.Time
	observers []func(from, to State)

	onElected func(ctx context.Context, term int64) error
	onDemoted func()

	stepDownCh chan chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates an elector in the Follower state. Hooks must be registered
// before Start.
func New(c coord.ICoordinator, leases *lease.Manager, clk clock.Clock, config Config) (*Elector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Elector{
		config:     config,
		coord:      c,
		leases:     leases,
		clock:      clk,
		state:      atomic.NewInt32(int32(StateFollower)),
		standby:    atomic.NewBool(false),
		accepting:  atomic.NewBool(false),
		onElected:  func(context.Context, int64) error { return nil },
		onDemoted:  func() {},
		stepDownCh: make(chan chan struct{}),
	}, nil
}

// OnElected registers the hook run after the leader key was acquired. The
// leader only starts accepting writes once the hook returned nil; an error
// makes it step down. The context is canceled when the tenure ends.
func (e *Elector) OnElected(fn func(ctx context.Context, term int64) error) {
	e.onElected = fn
}

// OnDemoted registers the hook run after the node stopped accepting writes.
func (e *Elector) OnDemoted(fn func()) {
	e.onDemoted = fn
}

// OnTransition registers an observer of all state transitions.
func (e *Elector) OnTransition(fn func(from, to State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// Start runs the state machine in the background until Close is called or
// ctx is done.
func (e *Elector) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.run(ctx)
	}()
}

// Close stops the state machine and synchronously releases every held lease.
func (e *Elector) Close(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (e *Elector) State() State {
	return State(e.state.Load())
}

// Role returns the current role.
func (e *Elector) Role() Role {
	switch {
	case e.State() == StateLeader:
		return RoleLeader
	case e.standby.Load():
		return RoleStandby
	default:
		return RoleFollower
	}
}

// Accepting reports whether the node is leader, the elected hook succeeded
// and the lease deadline did not pass. It only reads local state.
func (e *Elector) Accepting() bool {
	if !e.accepting.Load() {
		return false
	}
	h := e.handle()
	return h != nil && h.Valid(e.clock.Now())
}

// Term returns the fencing term of the current tenure (0 if not leader).
func (e *Elector) Term() int64 {
	if h := e.handle(); h != nil && e.State() == StateLeader {
		return h.Revision
	}
	return 0
}

// Lease returns the lease the leader key of the current tenure is bound to
// (coord.NoLease if not leader).
func (e *Elector) Lease() coord.LeaseID {
	if h := e.handle(); h != nil && e.State() == StateLeader {
		return h.ID
	}
	return coord.NoLease
}

// Verify checks leadership on the critical path: the local state and lease
// deadline, then a fresh read of the leader key that must still be bound to
// the lease of this tenure. Any failure yields an error wrapping ErrNotLeader.
func (e *Elector) Verify(ctx context.Context) error {
	if !e.Accepting() {
		return ErrNotLeader
	}
	h := e.handle()
	kv, found, err := e.coord.Get(ctx, coord.LeaderKey(e.config.Self.Group))
	if err != nil {
		return fmt.Errorf("%w: leader key unreadable: %w", ErrNotLeader, err)
	}
	if !found || kv.Lease != h.ID {
		e.requestStepDown()
		return fmt.Errorf("%w: leader key held by another lease", ErrNotLeader)
	}
	// the deadline may have passed during the read
	if !h.Valid(e.clock.Now()) {
		return ErrNotLeader
	}
	return nil
}

// StepDown gives up leadership voluntarily. The node does not contend again
// for one ttl. It returns once the lease is released (or immediately if the
// node is not leader).
func (e *Elector) StepDown(ctx context.Context) error {
	if e.State() != StateLeader {
		return nil
	}
	done := make(chan struct{})
	select {
	case e.stepDownCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --------------------------------------------------------------------------
// State machine
// --------------------------------------------------------------------------

func (e *Elector) run(ctx context.Context) {
	events := e.watch(ctx)
	var standby *lease.Handle
	defer func() {
		if standby != nil {
			e.release(standby)
			e.standby.Store(false)
		}
	}()

	retry := time.NewTicker(e.config.RetryInterval)
	defer retry.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		if h := e.contend(ctx); h != nil {
			if standby != nil {
				e.release(standby)
				standby = nil
				e.standby.Store(false)
			}
			e.lead(ctx, h)
			continue
		}

		standby = e.maintainStandby(ctx, standby)

		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				events = e.watch(ctx)
			}
		case <-retry.C:
			if events == nil {
				events = e.watch(ctx)
			}
		}
	}
}

// contend tries to acquire the leader key if it is vacant. It returns the
// handle on success.
func (e *Elector) contend(ctx context.Context) *lease.Handle {
	e.mu.Lock()
	holdOff := e.holdOff
	e.mu.Unlock()
	if e.clock.Now().Before(holdOff) {
		return nil
	}

	key := coord.LeaderKey(e.config.Self.Group)
	_, found, err := e.coord.Get(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			Logger.Warningf("group %d: reading leader key failed: %v", e.config.Self.Group, err)
		}
		return nil
	}
	if found {
		return nil
	}

	e.transition(StateCandidate)
	h, err := e.leases.Acquire(ctx, key, e.config.Self.Node, e.config.Self.Encode(), e.config.TTL)
	if err != nil {
		if !errors.Is(err, lease.ErrBusy) && ctx.Err() == nil {
			Logger.Warningf("group %d: acquire failed: %v", e.config.Self.Group, err)
		}
		e.transition(StateFollower)
		return nil
	}
	return h
}

// lead runs one leader tenure and returns in the Follower state.
func (e *Elector) lead(ctx context.Context, h *lease.Handle) {
	e.mu.Lock()
	e.leader = h
	e.mu.Unlock()
	e.transition(StateLeader)
	Logger.Infof("group %d: %s is leader (term %d)", e.config.Self.Group, e.config.Self.Node, h.Revision)

	tenureCtx, cancel := context.WithCancel(ctx)
	keepDone := make(chan error, 1)
	go func() { keepDone <- e.leases.Keep(tenureCtx, h, e.config.RefreshInterval) }()
	hookDone := make(chan error, 1)
	go func() { hookDone <- e.onElected(tenureCtx, h.Revision) }()

	var (
		next      = StateSteppedDown
		stepDone  chan struct{}
		keepAlive = keepDone
		hook      = hookDone
	)
loop:
	for {
		select {
		case err := <-hook:
			hook = nil
			if err != nil {
				Logger.Errorf("group %d: elected hook failed, stepping down: %v", e.config.Self.Group, err)
				break loop
			}
			e.accepting.Store(true)
		case err := <-keepAlive:
			keepAlive = nil
			if err != nil {
				next = StateExpired
			}
			break loop
		case stepDone = <-e.stepDownCh:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	// stop accepting before anything else
	e.accepting.Store(false)
	cancel()
	if keepAlive != nil {
		<-keepAlive
	}
	if hook != nil {
		<-hook
	}
	e.release(h)
	e.onDemoted()

	if next == StateSteppedDown {
		e.mu.Lock()
		e.holdOff = e.clock.Now().Add(e.config.TTL)
		e.mu.Unlock()
	}
	e.transition(next)
	e.mu.Lock()
	e.leader = nil
	e.mu.Unlock()
	e.transition(StateFollower)

	if stepDone != nil {
		close(stepDone)
	}
}

// maintainStandby refreshes a held standby lease or takes the standby key if
// it is vacant. It returns the (possibly new or dropped) handle.
func (e *Elector) maintainStandby(ctx context.Context, h *lease.Handle) *lease.Handle {
	if e.config.DisableStandby {
		return nil
	}
	if h != nil {
		if err := e.leases.Refresh(ctx, h); err != nil {
			if errors.Is(err, lease.ErrExpired) {
				Logger.Warningf("group %d: lost standby lease", e.config.Self.Group)
				e.standby.Store(false)
				return nil
			}
			Logger.Warningf("group %d: standby refresh failed: %v", e.config.Self.Group, err)
		}
		return h
	}

	h, err := e.leases.Acquire(ctx, coord.StandbyKey(e.config.Self.Group), e.config.Self.Node, e.config.Self.Encode(), e.config.TTL)
	if err != nil {
		return nil
	}
	Logger.Infof("group %d: %s is standby", e.config.Self.Group, e.config.Self.Node)
	e.standby.Store(true)
	return h
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (e *Elector) watch(ctx context.Context) <-chan coord.Event {
	events, err := e.coord.Watch(ctx, coord.GroupPrefix(e.config.Self.Group))
	if err != nil {
		if ctx.Err() == nil {
			Logger.Warningf("group %d: watch failed, polling: %v", e.config.Self.Group, err)
		}
		return nil
	}
	return events
}

func (e *Elector) handle() *lease.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// requestStepDown asks the leader loop to end the tenure without waiting.
func (e *Elector) requestStepDown() {
	select {
	case e.stepDownCh <- make(chan struct{}):
	default:
	}
}

func (e *Elector) release(h *lease.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.TTL)
	defer cancel()
	if err := e.leases.Release(ctx, h); err != nil {
		Logger.Warningf("group %d: releasing %s failed: %v", e.config.Self.Group, h.Key, err)
	}
}

func (e *Elector) transition(to State) {
	from := State(e.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.Elections(e.config.Self.Group, to.String()).Inc()
	Logger.Debugf("group %d: %s -> %s", e.config.Self.Group, from, to)

	e.mu.Lock()
	observers := append([]func(from, to State){}, e.observers...)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(from, to)
	}
}
