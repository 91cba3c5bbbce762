package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/clock"
	"github.com/ValentinKolb/dSeq/lib/coord/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestConcurrentAcquire(t *testing.T) {
	c := memory.New()
	defer c.Close()
	m := NewManager(c, nil)
	ctx := context.Background()

	const contenders = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*Handle
		busy    int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Acquire(ctx, "groups/0/leader", "node", []byte{byte(i)}, 5*time.Second)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, h)
			case errors.Is(err, ErrBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one acquire may succeed")
	assert.Equal(t, contenders-1, busy)

	kv, found, err := c.Get(ctx, "groups/0/leader")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, winners[0].ID, kv.Lease)
	assert.Equal(t, winners[0].Revision, kv.Revision)
}

func TestAtMostOneHolderWithSimulatedClock(t *testing.T) {
	clk := clock.NewSimulated(time.Unix(1000, 0))
	c := memory.New(memory.WithClock(clk))
	defer c.Close()
	m := NewManager(c, clk)
	ctx := context.Background()
	const ttl = 10 * time.Second

	a, err := m.Acquire(ctx, "k", "a", nil, ttl)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "k", "b", nil, ttl)
	require.ErrorIs(t, err, ErrBusy)

	handles := []*Handle{a}
	holders := func() int {
		n := 0
		for _, h := range handles {
			if h.Valid(clk.Now()) {
				n++
			}
		}
		return n
	}

	// a refreshes twice, then stops (e.g. starved refresh task)
	for i := 0; i < 2; i++ {
		clk.Advance(8 * time.Second)
		require.NoError(t, m.Refresh(ctx, a))
		require.Equal(t, 1, holders())
	}

	for step := 0; step < 12; step++ {
		clk.Advance(time.Second)
		if b, err := m.Acquire(ctx, "k", "b", nil, ttl); err == nil {
			handles = append(handles, b)
		}
		require.LessOrEqual(t, holders(), 1, "two holders at %s", clk.Now())
	}

	require.Len(t, handles, 2, "b must acquire after a's lease ran out")
	assert.False(t, a.Valid(clk.Now()))
	assert.ErrorIs(t, m.Refresh(ctx, a), ErrExpired)
}

func TestRefreshTransientError(t *testing.T) {
	clk := clock.NewSimulated(time.Unix(0, 0))
	c := memory.New(memory.WithClock(clk))
	defer c.Close()
	m := NewManager(c, clk)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", "a", nil, 10*time.Second)
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	c.SetUnavailable(true)
	err = m.Refresh(ctx, h)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExpired)
	assert.Equal(t, 5*time.Second, h.Remaining(clk.Now()), "failed refresh must not extend the deadline")

	clk.Advance(5 * time.Second)
	c.SetUnavailable(false)
	assert.ErrorIs(t, m.Refresh(ctx, h), ErrExpired, "deadline passed locally")
}

func TestReleaseFreesKey(t *testing.T) {
	c := memory.New()
	defer c.Close()
	m := NewManager(c, nil)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", "a", []byte("a"), 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, h))
	assert.False(t, h.Valid(time.Now()))
	require.NoError(t, m.Release(ctx, h), "double release is fine")

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = m.Acquire(ctx, "k", "b", []byte("b"), 5*time.Second)
	require.NoError(t, err)
}

func TestRegisterOverwrites(t *testing.T) {
	c := memory.New()
	defer c.Close()
	m := NewManager(c, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "nodes/a/group", "a", []byte("1"), 5*time.Second)
	require.NoError(t, err)
	h, err := m.Register(ctx, "nodes/a/group", "a", []byte("2"), 5*time.Second)
	require.NoError(t, err)

	kv, found, err := c.Get(ctx, "nodes/a/group")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("2"), kv.Value)
	assert.Equal(t, h.ID, kv.Lease)
}

func TestKeepRejectsInterval(t *testing.T) {
	c := memory.New()
	defer c.Close()
	m := NewManager(c, nil)

	h, err := m.Acquire(context.Background(), "k", "a", nil, time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Keep(context.Background(), h, time.Second), ErrInvalidInterval)
	assert.ErrorIs(t, m.Keep(context.Background(), h, 0), ErrInvalidInterval)
}

func TestKeepDetectsLoss(t *testing.T) {
	c := memory.New()
	defer c.Close()
	m := NewManager(c, nil)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", "a", nil, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Keep(ctx, h, 50*time.Millisecond) }()

	time.Sleep(150 * time.Millisecond)
	assert.True(t, h.Valid(time.Now()), "refreshing keeps the lease alive")
	require.NoError(t, c.Revoke(ctx, h.ID))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("keep did not notice the lost lease")
	}
	assert.False(t, h.Valid(time.Now()))
}

func TestKeepStopsOnCancel(t *testing.T) {
	c := memory.New()
	defer c.Close()
	m := NewManager(c, nil)

	h, err := m.Acquire(context.Background(), "k", "a", nil, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Keep(ctx, h, 100*time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("keep did not stop")
	}
}
