// Package coordtest provides a behavioural test suite that every
// coord.ICoordinator implementation has to pass.
//
// Usage:
//
//	func TestCoordinator(t *testing.T) {
//		coordtest.RunCoordinatorTests(t, "etcd", coordtest.Options{}, func(t *testing.T) coord.ICoordinator {
//			return newTestCoordinator(t)
//		})
//	}
package coordtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates a fresh coordinator for one test. Keys written by one test
// must not be visible to another (use a unique namespace per call).
type Factory func(t *testing.T) coord.ICoordinator

// Options tunes the suite for backends with coarse lease granularity.
type Options struct {
	// LeaseTTL is the ttl used for leases in the suite (default 2s).
	LeaseTTL time.Duration
	// SkipExpiry skips the test waiting for a lease to run out.
	SkipExpiry bool
}

// RunCoordinatorTests runs the complete suite for one implementation.
func RunCoordinatorTests(t *testing.T, name string, opts Options, factory Factory) {
	if opts.LeaseTTL == 0 {
		opts.LeaseTTL = 2 * time.Second
	}

	t.Run(name, func(t *testing.T) {
		t.Run("CompareAndSwap", func(t *testing.T) {
			testCompareAndSwap(t, factory(t))
		})
		t.Run("CompareAndDelete", func(t *testing.T) {
			testCompareAndDelete(t, factory(t))
		})
		t.Run("PutDeleteList", func(t *testing.T) {
			testPutDeleteList(t, factory(t))
		})
		t.Run("ConcurrentCreate", func(t *testing.T) {
			testConcurrentCreate(t, factory(t))
		})
		t.Run("LeaseRevoke", func(t *testing.T) {
			testLeaseRevoke(t, factory(t), opts)
		})
		t.Run("Watch", func(t *testing.T) {
			testWatch(t, factory(t))
		})
		if !opts.SkipExpiry {
			t.Run("LeaseExpiry", func(t *testing.T) {
				testLeaseExpiry(t, factory(t), opts)
			})
		}
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testCompareAndSwap(t *testing.T, c coord.ICoordinator) {
	defer c.Close()
	ctx := context.Background()

	ok, err := c.CompareAndSwap(ctx, "cas/key", 0, []byte("v1"), coord.NoLease)
	require.NoError(t, err)
	require.True(t, ok, "create on a missing key must succeed")

	ok, err = c.CompareAndSwap(ctx, "cas/key", 0, []byte("v2"), coord.NoLease)
	require.NoError(t, err)
	require.False(t, ok, "create on an existing key must fail")

	kv, found, err := c.Get(ctx, "cas/key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), kv.Value)
	assert.NotZero(t, kv.Revision)

	ok, err = c.CompareAndSwap(ctx, "cas/key", kv.Revision, []byte("v2"), coord.NoLease)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.CompareAndSwap(ctx, "cas/key", kv.Revision, []byte("v3"), coord.NoLease)
	require.NoError(t, err)
	require.False(t, ok, "stale revision must fail")

	next, _, err := c.Get(ctx, "cas/key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), next.Value)
	assert.Greater(t, next.Revision, kv.Revision)
}

func testCompareAndDelete(t *testing.T, c coord.ICoordinator) {
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "cad/key", []byte("v"), coord.NoLease))
	kv, found, err := c.Get(ctx, "cad/key")
	require.NoError(t, err)
	require.True(t, found)

	ok, err := c.CompareAndDelete(ctx, "cad/key", kv.Revision+1000)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.CompareAndDelete(ctx, "cad/key", kv.Revision)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = c.Get(ctx, "cad/key")
	require.NoError(t, err)
	require.False(t, found)
}

func testPutDeleteList(t *testing.T, c coord.ICoordinator) {
	defer c.Close()
	ctx := context.Background()

	for i := 3; i >= 1; i-- {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("list/k%d", i), []byte{byte(i)}, coord.NoLease))
	}
	require.NoError(t, c.Put(ctx, "other/k", []byte("x"), coord.NoLease))

	kvs, err := c.List(ctx, "list/")
	require.NoError(t, err)
	require.Len(t, kvs, 3)
	for i, kv := range kvs {
		assert.Equal(t, fmt.Sprintf("list/k%d", i+1), kv.Key)
		assert.Equal(t, []byte{byte(i + 1)}, kv.Value)
	}

	require.NoError(t, c.Delete(ctx, "list/k2"))
	require.NoError(t, c.Delete(ctx, "list/missing"))

	kvs, err = c.List(ctx, "list/")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "list/k1", kvs[0].Key)
	assert.Equal(t, "list/k3", kvs[1].Key)
}

func testConcurrentCreate(t *testing.T, c coord.ICoordinator) {
	defer c.Close()
	ctx := context.Background()

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := c.CompareAndSwap(ctx, "race/key", 0, []byte(fmt.Sprintf("c%d", i)), coord.NoLease)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one contender may create the key")
}

func testLeaseRevoke(t *testing.T, c coord.ICoordinator, opts Options) {
	defer c.Close()
	ctx := context.Background()

	id, err := c.Grant(ctx, opts.LeaseTTL)
	require.NoError(t, err)
	require.NotEqual(t, coord.NoLease, id)

	ok, err := c.CompareAndSwap(ctx, "lease/key", 0, []byte("holder"), id)
	require.NoError(t, err)
	require.True(t, ok)

	kv, found, err := c.Get(ctx, "lease/key")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, kv.Lease)

	ttl, err := c.KeepAlive(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Revoke(ctx, id))

	require.Eventually(t, func() bool {
		_, found, err := c.Get(ctx, "lease/key")
		return err == nil && !found
	}, 5*time.Second, 50*time.Millisecond, "revoking the lease must delete bound keys")

	_, err = c.KeepAlive(ctx, id)
	require.ErrorIs(t, err, coord.ErrLeaseNotFound)
}

func testWatch(t *testing.T, c coord.ICoordinator) {
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Watch(ctx, "watch/")
	require.NoError(t, err)

	// each change is awaited before the next one, polling backends may
	// coalesce changes that happen between two polls
	expect := func(typ coord.EventType) {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "watch closed early")
			assert.Equal(t, typ, ev.Type)
			assert.Equal(t, "watch/a", ev.KV.Key)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}

	require.NoError(t, c.Put(ctx, "unwatched/a", []byte("1"), coord.NoLease))
	require.NoError(t, c.Put(ctx, "watch/a", []byte("1"), coord.NoLease))
	expect(coord.EventPut)
	require.NoError(t, c.Delete(ctx, "watch/a"))
	expect(coord.EventDelete)
}

func testLeaseExpiry(t *testing.T, c coord.ICoordinator, opts Options) {
	defer c.Close()
	ctx := context.Background()

	id, err := c.Grant(ctx, opts.LeaseTTL)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "expiry/key", []byte("v"), id))

	require.Eventually(t, func() bool {
		_, found, err := c.Get(ctx, "expiry/key")
		return err == nil && !found
	}, 6*opts.LeaseTTL, 100*time.Millisecond, "key bound to an expired lease must vanish")

	_, err = c.KeepAlive(ctx, id)
	require.ErrorIs(t, err, coord.ErrLeaseNotFound)
}
