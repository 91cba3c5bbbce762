package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/clock"
	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lease")

var (
	// ErrBusy is returned by Acquire when a live lease holds the key.
	ErrBusy = errors.New("lease: key is held by another lease")
	// ErrExpired is returned once a lease is lost, either because the
	// coordinator no longer knows it or because the local deadline passed.
	ErrExpired = errors.New("lease: expired")
	// ErrInvalidInterval is returned by Keep when the refresh interval is not
	// strictly shorter than the ttl.
	ErrInvalidInterval = errors.New("lease: refresh interval must be positive and shorter than the ttl")
)

// Handle is a lease owned by this process. The local deadline is the time of
// the start of the last successful refresh plus the ttl; past the deadline the
// handle is treated as lost even if the coordinator still knows the lease.
type Handle struct {
	// Key is the key written under the lease.
	Key string
	// ID is the coordinator lease id.
	ID coord.LeaseID
	// Holder identifies the owner (node id).
	Holder string
	// TTL is the requested lease duration.
	TTL time.Duration
	// Revision is the revision of the write that created Key. For leader keys
	// it serves as the fencing term.
	Revision int64

	mu       sync.Mutex
	deadline time.Time
	lost     bool
}

// Valid reports whether the handle has not been lost and its deadline lies
// after now.
func (h *Handle) Valid(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.lost && now.Before(h.deadline)
}

// Remaining returns the time left until the local deadline (0 if lost).
func (h *Handle) Remaining(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lost || !now.Before(h.deadline) {
		return 0
	}
	return h.deadline.Sub(now)
}

func (h *Handle) extend(deadline time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.lost && deadline.After(h.deadline) {
		h.deadline = deadline
	}
}

func (h *Handle) invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = true
}

// Manager wraps the lease primitive of the coordinator.
type Manager struct {
	coord coord.ICoordinator
	clock clock.Clock
}

// NewManager creates a lease manager. The clock determines local deadlines.
func NewManager(c coord.ICoordinator, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{coord: c, clock: clk}
}

// Acquire writes value to key under a fresh lease, if and only if the key is
// vacant. It returns ErrBusy if another (live) lease holds the key.
func (m *Manager) Acquire(ctx context.Context, key, holder string, value []byte, ttl time.Duration) (*Handle, error) {
	start := m.clock.Now()
	id, err := m.coord.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("lease: grant for %s failed: %w", key, err)
	}

	ok, err := m.coord.CompareAndSwap(ctx, key, 0, value, id)
	if err != nil || !ok {
		m.revokeQuietly(id)
		if err != nil {
			return nil, fmt.Errorf("lease: acquire %s failed: %w", key, err)
		}
		return nil, ErrBusy
	}

	kv, found, err := m.coord.Get(ctx, key)
	if err != nil {
		m.revokeQuietly(id)
		return nil, fmt.Errorf("lease: reading back %s failed: %w", key, err)
	}
	if !found || kv.Lease != id {
		// lost between the write and the read (e.g. expired already)
		m.revokeQuietly(id)
		return nil, ErrBusy
	}

	Logger.Debugf("%s acquired %s (lease %s, rev %d)", holder, key, id, kv.Revision)
	return &Handle{
		Key:      key,
		ID:       id,
		Holder:   holder,
		TTL:      ttl,
		Revision: kv.Revision,
		deadline: start.Add(ttl),
	}, nil
}

// Register writes value to key under a fresh lease, overwriting any previous
// value. It is used for liveness registrations that do not need exclusivity.
func (m *Manager) Register(ctx context.Context, key, holder string, value []byte, ttl time.Duration) (*Handle, error) {
	start := m.clock.Now()
	id, err := m.coord.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("lease: grant for %s failed: %w", key, err)
	}
	if err := m.coord.Put(ctx, key, value, id); err != nil {
		m.revokeQuietly(id)
		return nil, fmt.Errorf("lease: register %s failed: %w", key, err)
	}
	return &Handle{
		Key:      key,
		ID:       id,
		Holder:   holder,
		TTL:      ttl,
		deadline: start.Add(ttl),
	}, nil
}

// Refresh renews the lease. It fails with ErrExpired without contacting the
// coordinator if the local deadline has passed, and with ErrExpired if the
// coordinator no longer knows the lease. Any other error is transient: it is
// returned as is and does not move the deadline.
func (m *Manager) Refresh(ctx context.Context, h *Handle) error {
	start := m.clock.Now()
	if !h.Valid(start) {
		h.invalidate()
		return ErrExpired
	}

	if _, err := m.coord.KeepAlive(ctx, h.ID); err != nil {
		if errors.Is(err, coord.ErrLeaseNotFound) {
			h.invalidate()
			return ErrExpired
		}
		return fmt.Errorf("lease: refresh of %s failed: %w", h.Key, err)
	}

	metrics.LeaseRefreshes.Inc()
	h.extend(start.Add(h.TTL))
	return nil
}

// Release revokes the lease, which deletes every key bound to it. Releasing
// an already lost lease is not an error.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	h.invalidate()
	if err := m.coord.Revoke(ctx, h.ID); err != nil && !errors.Is(err, coord.ErrLeaseNotFound) {
		return fmt.Errorf("lease: release of %s failed: %w", h.Key, err)
	}
	Logger.Debugf("%s released %s", h.Holder, h.Key)
	return nil
}

// Keep refreshes the lease every interval until ctx is done (returns nil) or
// the lease is lost (returns ErrExpired). A failed refresh is retried at a
// quarter of the interval; the lease is considered lost as soon as its local
// deadline passes without a successful refresh.
func (m *Manager) Keep(ctx context.Context, h *Handle, interval time.Duration) error {
	if interval <= 0 || interval >= h.TTL {
		return fmt.Errorf("%w: interval %s, ttl %s", ErrInvalidInterval, interval, h.TTL)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		remaining := h.Remaining(m.clock.Now())
		if remaining <= 0 {
			return m.lost(h, "deadline passed")
		}

		refreshCtx, cancel := context.WithTimeout(ctx, remaining)
		err := m.Refresh(refreshCtx, h)
		cancel()

		switch {
		case err == nil:
			timer.Reset(interval)
		case errors.Is(err, ErrExpired):
			return m.lost(h, "lease unknown to the coordinator")
		case ctx.Err() != nil:
			return nil
		default:
			Logger.Warningf("refresh of %s failed, retrying: %v", h.Key, err)
			timer.Reset(max(interval/4, 10*time.Millisecond))
		}
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (m *Manager) lost(h *Handle, reason string) error {
	h.invalidate()
	metrics.LeasesLost.Inc()
	Logger.Warningf("%s lost lease on %s: %s", h.Holder, h.Key, reason)
	return ErrExpired
}

func (m *Manager) revokeQuietly(id coord.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.coord.Revoke(ctx, id); err != nil && !errors.Is(err, coord.ErrLeaseNotFound) {
		Logger.Warningf("failed to revoke unused lease %s: %v", id, err)
	}
}
