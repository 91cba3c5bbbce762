package election

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/coord/memory"
	"github.com/ValentinKolb/dSeq/lib/lease"
	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects the transitions of one elector.
type recorder struct {
	mu    sync.Mutex
	trail []State
}

func (r *recorder) observe(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trail = append(r.trail, to)
}

func (r *recorder) saw(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.trail {
		if st == s {
			return true
		}
	}
	return false
}

func newElector(t *testing.T, c coord.ICoordinator, node string, hook func(context.Context, int64) error) (*Elector, *recorder) {
	t.Helper()
	e, err := New(c, lease.NewManager(c, nil), nil, Config{
		Self:            membership.Member{Node: node, Address: node + ":7000", Group: 0},
		TTL:             time.Second,
		RefreshInterval: 200 * time.Millisecond,
		RetryInterval:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	rec := &recorder{}
	e.OnTransition(rec.observe)
	if hook != nil {
		e.OnElected(hook)
	}
	return e, rec
}

func start(t *testing.T, e *Elector) {
	t.Helper()
	e.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Close(ctx))
	})
}

func leaders(electors ...*Elector) []*Elector {
	var out []*Elector
	for _, e := range electors {
		if e.Accepting() {
			out = append(out, e)
		}
	}
	return out
}

func TestSingleNodeBecomesLeader(t *testing.T) {
	c := memory.New()
	defer c.Close()

	var electedTerm int64
	e, rec := newElector(t, c, "a", func(_ context.Context, term int64) error {
		electedTerm = term
		return nil
	})
	start(t, e)

	require.Eventually(t, e.Accepting, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, RoleLeader, e.Role())
	assert.True(t, rec.saw(StateCandidate))
	require.NoError(t, e.Verify(context.Background()))

	kv, found, err := c.Get(context.Background(), coord.LeaderKey(0))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, kv.Revision, e.Term())
	assert.Equal(t, e.Term(), electedTerm)

	record, err := membership.DecodeMember(kv.Value)
	require.NoError(t, err)
	assert.Equal(t, "a:7000", record.Address)
}

func TestOneLeaderOneStandby(t *testing.T) {
	c := memory.New()
	defer c.Close()

	a, _ := newElector(t, c, "a", nil)
	b, _ := newElector(t, c, "b", nil)
	start(t, a)
	start(t, b)

	require.Eventually(t, func() bool {
		return len(leaders(a, b)) == 1 && (a.Role() == RoleStandby || b.Role() == RoleStandby)
	}, 3*time.Second, 10*time.Millisecond)

	// stays stable across several refresh intervals
	for i := 0; i < 10; i++ {
		require.Len(t, leaders(a, b), 1)
		time.Sleep(50 * time.Millisecond)
	}
}

func TestFailoverAfterClose(t *testing.T) {
	c := memory.New()
	defer c.Close()

	a, _ := newElector(t, c, "a", nil)
	start(t, a)
	require.Eventually(t, a.Accepting, 2*time.Second, 10*time.Millisecond)

	b, _ := newElector(t, c, "b", nil)
	start(t, b)
	require.Eventually(t, func() bool { return b.Role() == RoleStandby }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close(context.Background()))
	assert.False(t, a.Accepting())
	assert.ErrorIs(t, a.Verify(context.Background()), ErrNotLeader)

	require.Eventually(t, b.Accepting, 2*time.Second, 10*time.Millisecond, "standby takes over after release")
	assert.NoError(t, b.Verify(context.Background()))
}

func TestRefreshStarvationExpires(t *testing.T) {
	c := memory.New()
	defer c.Close()

	demoted := make(chan struct{}, 1)
	a, rec := newElector(t, c, "a", nil)
	a.OnDemoted(func() {
		select {
		case demoted <- struct{}{}:
		default:
		}
	})
	start(t, a)
	require.Eventually(t, a.Accepting, 2*time.Second, 10*time.Millisecond)

	c.SetUnavailable(true)
	started := time.Now()
	require.Eventually(t, func() bool { return !a.Accepting() }, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, time.Since(started), 1100*time.Millisecond, "must stop accepting within one ttl")
	assert.ErrorIs(t, a.Verify(context.Background()), ErrNotLeader)

	require.Eventually(t, func() bool { return rec.saw(StateExpired) }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-demoted:
	case <-time.After(2 * time.Second):
		t.Fatal("demoted hook not called")
	}
	c.SetUnavailable(false)

	b, _ := newElector(t, c, "b", nil)
	start(t, b)
	require.Eventually(t, func() bool { return len(leaders(a, b)) == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestFailingHookStepsDown(t *testing.T) {
	c := memory.New()
	defer c.Close()

	a, rec := newElector(t, c, "a", func(context.Context, int64) error {
		return errors.New("reconciliation failed")
	})
	start(t, a)

	require.Eventually(t, func() bool { return rec.saw(StateSteppedDown) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.Accepting())

	b, _ := newElector(t, c, "b", nil)
	start(t, b)
	require.Eventually(t, b.Accepting, 3*time.Second, 10*time.Millisecond, "hold off lets another node win")
}

func TestStepDown(t *testing.T) {
	c := memory.New()
	defer c.Close()

	a, rec := newElector(t, c, "a", nil)
	start(t, a)
	require.Eventually(t, a.Accepting, 2*time.Second, 10*time.Millisecond)

	b, _ := newElector(t, c, "b", nil)
	start(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.StepDown(ctx))
	assert.True(t, rec.saw(StateSteppedDown))
	assert.NotEqual(t, StateLeader, a.State())

	require.Eventually(t, b.Accepting, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, b.StepDown(ctx))
	assert.NoError(t, b.StepDown(ctx), "stepping down as follower is a no-op")
}

func TestVerifyDetectsForeignLeaderKey(t *testing.T) {
	c := memory.New()
	defer c.Close()

	a, _ := newElector(t, c, "a", nil)
	start(t, a)
	require.Eventually(t, a.Accepting, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, coord.LeaderKey(0), membership.Member{Node: "intruder"}.Encode(), coord.NoLease))
	assert.ErrorIs(t, a.Verify(ctx), ErrNotLeader)
	require.Eventually(t, func() bool { return !a.Accepting() }, 2*time.Second, 10*time.Millisecond)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{TTL: time.Second, RefreshInterval: time.Second}
	assert.Error(t, cfg.Validate())

	cfg = Config{TTL: time.Second, RefreshInterval: 800 * time.Millisecond}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 800*time.Millisecond, cfg.RetryInterval)
}
