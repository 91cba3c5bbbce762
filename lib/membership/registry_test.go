package membership

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/coord/memory"
	"github.com/ValentinKolb/dSeq/lib/lease"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRegistry(t *testing.T, groups uint64) (*Registry, *memory.Coordinator) {
	t.Helper()
	c := memory.New()
	t.Cleanup(func() { _ = c.Close() })
	return NewRegistry(c, lease.NewManager(c, nil), Config{Groups: groups, GroupSize: 2, PollInterval: 50 * time.Millisecond}), c
}

func TestAssignNodeRoundRobin(t *testing.T) {
	r, _ := newRegistry(t, 3)
	ctx := context.Background()

	var groups []uint64
	for i := 0; i < 4; i++ {
		g, err := r.AssignNode(ctx, fmt.Sprintf("n%d", i))
		require.NoError(t, err)
		groups = append(groups, g)
	}
	assert.Equal(t, []uint64{0, 1, 2, 0}, groups)
}

func TestAssignNodeConcurrent(t *testing.T) {
	r, _ := newRegistry(t, 3)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[uint64]int{}
	)
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := r.AssignNode(ctx, fmt.Sprintf("n%d", i))
			assert.NoError(t, err)
			mu.Lock()
			counts[g]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, map[uint64]int{0: 3, 1: 3, 2: 3}, counts, "every id is drawn once")
}

func TestFailoverSlotsAreClaimedFirst(t *testing.T) {
	r, c := newRegistry(t, 3)
	ctx := context.Background()

	id, err := c.Grant(ctx, time.Minute)
	require.NoError(t, err)

	// group 2 has a single live member and wants two more
	_, err = r.Register(ctx, Member{Node: "leader", Address: "x:1", Group: 2}, time.Minute)
	require.NoError(t, err)
	n, err := r.PublishFailover(ctx, 2, 3, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.PublishFailover(ctx, 2, 3, id)
	require.NoError(t, err)
	assert.Zero(t, n, "open slots count as members")

	for i := 0; i < 2; i++ {
		g, err := r.AssignNode(ctx, fmt.Sprintf("late%d", i))
		require.NoError(t, err)
		assert.EqualValues(t, 2, g)
	}

	g, err := r.AssignNode(ctx, "fresh")
	require.NoError(t, err)
	assert.EqualValues(t, 0, g, "no slots left, first id is drawn")
}

func TestFailoverSlotsVanishWithLease(t *testing.T) {
	r, c := newRegistry(t, 2)
	ctx := context.Background()

	id, err := c.Grant(ctx, time.Minute)
	require.NoError(t, err)
	_, err = r.PublishFailover(ctx, 1, 2, id)
	require.NoError(t, err)
	require.NoError(t, c.Revoke(ctx, id))

	slots, err := c.List(ctx, coord.FailoverPrefix)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestRegisterAndRefresh(t *testing.T) {
	r, c := newRegistry(t, 2)
	ctx := context.Background()

	h, err := r.Register(ctx, Member{Node: "a", Address: "a:1", Group: 1}, time.Minute)
	require.NoError(t, err)
	_, err = r.Register(ctx, Member{Node: "b", Address: "b:1", Group: 1}, time.Minute)
	require.NoError(t, err)
	_, err = r.Register(ctx, Member{Node: "c", Address: "c:1", Group: 5}, time.Minute)
	require.ErrorIs(t, err, ErrNoSuchGroup)

	require.NoError(t, c.Put(ctx, coord.LeaderKey(1), Member{Node: "a", Address: "a:1", Group: 1}.Encode(), coord.NoLease))
	require.NoError(t, r.Refresh(ctx))

	view, err := r.Group(1)
	require.NoError(t, err)
	assert.True(t, view.Members.Equal(mapset.NewSet("a", "b")))
	require.NotNil(t, view.Primary)
	assert.Equal(t, "a", view.Primary.Node)
	assert.NotZero(t, view.Primary.Term)
	assert.Nil(t, view.Standby)

	require.NoError(t, lease.NewManager(c, nil).Release(ctx, h))
	require.NoError(t, c.Delete(ctx, coord.LeaderKey(1)))
	require.NoError(t, r.Refresh(ctx))

	view, err = r.Group(1)
	require.NoError(t, err)
	assert.True(t, view.Members.Equal(mapset.NewSet("b")))
	assert.Nil(t, view.Primary)

	_, err = r.Group(2)
	assert.ErrorIs(t, err, ErrNoSuchGroup)
}

func TestWatchFollowsLeaders(t *testing.T) {
	r, c := newRegistry(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	record := Member{Node: "n1", Address: "n1:7000", Group: 0}
	require.NoError(t, c.Put(ctx, coord.StandbyKey(0), record.Encode(), coord.NoLease))
	require.NoError(t, c.Put(ctx, coord.LeaderKey(0), record.Encode(), coord.NoLease))

	require.Eventually(t, func() bool {
		l, ok := r.Leader(0)
		_, standby := r.Standby(0)
		return ok && standby && l.Address == "n1:7000"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Delete(ctx, coord.LeaderKey(0)))
	require.Eventually(t, func() bool {
		_, ok := r.Leader(0)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
