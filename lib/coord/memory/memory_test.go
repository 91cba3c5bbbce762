package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/clock"
	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/coord/coordtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCoordinator(t *testing.T) {
	coordtest.RunCoordinatorTests(t, "Memory", coordtest.Options{LeaseTTL: 300 * time.Millisecond},
		func(t *testing.T) coord.ICoordinator {
			return New()
		})
}

func TestSimulatedExpiry(t *testing.T) {
	clk := clock.NewSimulated(time.Unix(0, 0))
	c := New(WithClock(clk))
	defer c.Close()
	ctx := context.Background()

	id, err := c.Grant(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "k", []byte("v"), id))

	clk.Advance(9 * time.Second)
	_, err = c.KeepAlive(ctx, id)
	require.NoError(t, err, "lease renewed before its deadline")

	clk.Advance(9 * time.Second)
	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found, "renewal moved the deadline")

	clk.Advance(time.Second)
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found, "key deleted once the deadline passed")

	_, err = c.KeepAlive(ctx, id)
	assert.ErrorIs(t, err, coord.ErrLeaseNotFound)
}

func TestExpireLeasesNotifiesWatchers(t *testing.T) {
	clk := clock.NewSimulated(time.Unix(0, 0))
	c := New(WithClock(clk))
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := c.Grant(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "groups/1/leader", []byte("a"), id))

	events, err := c.Watch(ctx, "groups/")
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	c.ExpireLeases()

	select {
	case ev := <-events:
		assert.Equal(t, coord.EventDelete, ev.Type)
		assert.Equal(t, "groups/1/leader", ev.KV.Key)
	case <-time.After(time.Second):
		t.Fatal("no delete event after expiry")
	}
}

func TestUnavailable(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	c.SetUnavailable(true)
	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, coord.ErrUnavailable)
	_, err = c.CompareAndSwap(ctx, "k", 0, nil, coord.NoLease)
	assert.ErrorIs(t, err, coord.ErrUnavailable)

	c.SetUnavailable(false)
	ok, err := c.CompareAndSwap(ctx, "k", 0, nil, coord.NoLease)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutWithUnknownLease(t *testing.T) {
	c := New()
	defer c.Close()

	err := c.Put(context.Background(), "k", []byte("v"), coord.LeaseID("ff"))
	assert.ErrorIs(t, err, coord.ErrLeaseNotFound)
}
