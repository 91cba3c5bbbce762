// Package storetest provides a test suite every store.IStore implementation
// has to pass.
package storetest

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreFactory creates a new, empty store. Stores are closed by the suite.
type StoreFactory func(t *testing.T) store.IStore

// ReopenFactory opens the store that was created by the previous call
// of the factory for the same test. It is nil for volatile stores.
type ReopenFactory func(t *testing.T) store.IStore

// RunStoreTests runs the suite for an IStore implementation. reopen may be
// nil for implementations without durability.
func RunStoreTests(t *testing.T, name string, factory StoreFactory, reopen ReopenFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("AppendAndGet", func(t *testing.T) {
			testAppendAndGet(t, open(t, factory))
		})

		t.Run("Idempotent", func(t *testing.T) {
			testIdempotent(t, open(t, factory))
		})

		t.Run("Gap", func(t *testing.T) {
			testGap(t, open(t, factory))
		})

		t.Run("SparseSequence", func(t *testing.T) {
			testSparseSequence(t, open(t, factory))
		})

		t.Run("RejectRead", func(t *testing.T) {
			testRejectRead(t, open(t, factory))
		})

		t.Run("KeyValidation", func(t *testing.T) {
			testKeyValidation(t, open(t, factory))
		})

		t.Run("Range", func(t *testing.T) {
			testRange(t, open(t, factory))
		})

		t.Run("Compact", func(t *testing.T) {
			testCompact(t, open(t, factory))
		})

		t.Run("SnapshotRestore", func(t *testing.T) {
			testSnapshotRestore(t, factory)
		})

		t.Run("ConcurrentReaders", func(t *testing.T) {
			testConcurrentReaders(t, open(t, factory))
		})

		if reopen != nil {
			t.Run("Durable", func(t *testing.T) {
				testDurable(t, factory, reopen)
			})
		}
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func open(t *testing.T, factory StoreFactory) store.IStore {
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// chain builds consecutive write entries starting after prev.
func chain(prev uint64, n int) []store.Entry {
	out := make([]store.Entry, 0, n)
	for i := 0; i < n; i++ {
		seq := prev + 1
		out = append(out, store.Entry{
			Key:     fmt.Sprintf("key-%d", seq),
			Op:      store.OpWrite,
			Seq:     seq,
			Prev:    prev,
			Payload: []byte(fmt.Sprintf("value-%d", seq)),
		})
		prev = seq
	}
	return out
}

func write(key string, seq, prev uint64, value string) store.Entry {
	return store.Entry{Key: key, Op: store.OpWrite, Seq: seq, Prev: prev, Payload: []byte(value)}
}

func del(key string, seq, prev uint64) store.Entry {
	return store.Entry{Key: key, Op: store.OpDelete, Seq: seq, Prev: prev}
}

func requireValue(t *testing.T, s store.IStore, key, want string) {
	t.Helper()
	v, found, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, found, "key %q not found", key)
	assert.Equal(t, want, string(v))
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testAppendAndGet(t *testing.T, s store.IStore) {
	assert.Zero(t, s.HighWater())

	hw, err := s.Append(write("Deep", 1, 0, "Thought"), write("Answer", 2, 1, "41"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, hw)
	requireValue(t, s, "Deep", "Thought")

	hw, err = s.Append(write("Answer", 3, 2, "42"), del("Deep", 4, 3))
	require.NoError(t, err)
	assert.EqualValues(t, 4, hw)
	assert.EqualValues(t, 4, s.HighWater())
	requireValue(t, s, "Answer", "42")

	_, found, err := s.Get("Deep")
	require.NoError(t, err)
	assert.False(t, found)

	has, err := s.Has("Answer")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.Has("Deep")
	require.NoError(t, err)
	assert.False(t, has)

	// deleting a missing key is a valid log entry
	_, err = s.Append(del("Missing", 5, 4))
	require.NoError(t, err)

	// returned values are copies
	v, _, _ := s.Get("Answer")
	v[0] = 'x'
	requireValue(t, s, "Answer", "42")
}

func testIdempotent(t *testing.T, s store.IStore) {
	entries := chain(0, 5)
	_, err := s.Append(entries...)
	require.NoError(t, err)

	// the whole batch again, and an overlapping one
	hw, err := s.Append(entries...)
	require.NoError(t, err)
	assert.EqualValues(t, 5, hw)

	hw, err = s.Append(append(entries[3:], chain(5, 2)...)...)
	require.NoError(t, err)
	assert.EqualValues(t, 7, hw)

	all, err := s.Range(0, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 7)
	for i, e := range all {
		assert.EqualValues(t, i+1, e.Seq)
	}
}

func testGap(t *testing.T, s store.IStore) {
	_, err := s.Append(chain(0, 3)...)
	require.NoError(t, err)

	// seq 5 claims 4 as predecessor, which was never appended
	hw, err := s.Append(write("a", 4, 3, "ok"), write("b", 6, 5, "gap"))
	var gap *store.GapError
	require.True(t, errors.As(err, &gap), "expected gap error, got %v", err)
	assert.EqualValues(t, 4, gap.HighWater)
	assert.EqualValues(t, 6, gap.Entry.Seq)
	assert.EqualValues(t, 4, hw, "entries before the gap are kept")

	_, found, err := s.Get("b")
	require.NoError(t, err)
	assert.False(t, found)
	assert.EqualValues(t, 4, s.HighWater())
}

func testSparseSequence(t *testing.T, s store.IStore) {
	// with a shared sequence domain the log of a group skips numbers
	hw, err := s.Append(write("a", 3, 0, "1"), write("b", 7, 3, "2"), write("a", 12, 7, "3"))
	require.NoError(t, err)
	assert.EqualValues(t, 12, hw)
	requireValue(t, s, "a", "3")

	got, err := s.Range(3, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 7, got[0].Seq)
	assert.EqualValues(t, 3, got[0].Prev)
}

func testRejectRead(t *testing.T, s store.IStore) {
	_, err := s.Append(store.Entry{Key: "a", Op: store.OpRead, Seq: 1})
	assert.ErrorIs(t, err, store.ErrInvalidOp)

	_, err = s.Append(store.Entry{Key: "a", Op: store.Op(9), Seq: 1})
	assert.ErrorIs(t, err, store.ErrInvalidOp)
	assert.Zero(t, s.HighWater())
}

func testKeyValidation(t *testing.T, s store.IStore) {
	_, _, err := s.Get("")
	assert.ErrorIs(t, err, store.ErrInvalidKey)

	long := make([]byte, store.MaxKeyLength+1)
	for i := range long {
		long[i] = 'k'
	}
	_, err = s.Has(string(long))
	assert.ErrorIs(t, err, store.ErrInvalidKey)

	_, err = s.Append(write("", 1, 0, "v"))
	assert.ErrorIs(t, err, store.ErrInvalidKey)

	// exactly at the limit is fine
	_, err = s.Append(write(string(long[:store.MaxKeyLength]), 1, 0, "v"))
	assert.NoError(t, err)
}

func testRange(t *testing.T, s store.IStore) {
	_, err := s.Append(chain(0, 20)...)
	require.NoError(t, err)

	got, err := s.Range(5, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.EqualValues(t, 6, got[0].Seq)
	assert.EqualValues(t, 10, got[4].Seq)
	assert.Equal(t, "value-6", string(got[0].Payload))

	got, err = s.Range(5, 0, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 8, got[2].Seq)

	got, err = s.Range(20, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testCompact(t *testing.T, s store.IStore) {
	_, err := s.Append(chain(0, 10)...)
	require.NoError(t, err)

	require.NoError(t, s.Compact(6))
	assert.EqualValues(t, 6, s.LogStart())

	_, err = s.Range(5, 0, 0)
	assert.ErrorIs(t, err, store.ErrCompacted)

	got, err := s.Range(6, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.EqualValues(t, 7, got[0].Seq)

	// the index survives compaction
	requireValue(t, s, "key-1", "value-1")

	// compacting below the current start or beyond the log is harmless
	require.NoError(t, s.Compact(3))
	assert.EqualValues(t, 6, s.LogStart())
	require.NoError(t, s.Compact(100))
	assert.EqualValues(t, 10, s.LogStart())

	_, err = s.Append(chain(10, 1)...)
	require.NoError(t, err)
	got, err = s.Range(10, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testSnapshotRestore(t *testing.T, factory StoreFactory) {
	src := open(t, factory)
	_, err := src.Append(write("a", 1, 0, "1"), write("b", 2, 1, "2"), del("a", 3, 2), write("c", 4, 3, "3"))
	require.NoError(t, err)

	snap, err := src.Snapshot()
	require.NoError(t, err)
	assert.EqualValues(t, 4, snap.HighWater)
	assert.Equal(t, map[string][]byte{"b": []byte("2"), "c": []byte("3")}, snap.Data)

	// the encoded snapshot restores an identical state
	decoded, err := store.DecodeSnapshot(store.EncodeSnapshot(snap))
	require.NoError(t, err)

	dst := open(t, factory)
	_, err = dst.Append(write("stale", 1, 0, "x"))
	require.NoError(t, err)
	require.NoError(t, dst.Restore(decoded))

	assert.EqualValues(t, 4, dst.HighWater())
	assert.EqualValues(t, 4, dst.LogStart())
	requireValue(t, dst, "b", "2")
	requireValue(t, dst, "c", "3")
	has, err := dst.Has("stale")
	require.NoError(t, err)
	assert.False(t, has)

	// the log continues after the snapshot
	_, err = dst.Append(write("d", 5, 4, "4"))
	require.NoError(t, err)
	_, err = dst.Range(3, 0, 0)
	assert.ErrorIs(t, err, store.ErrCompacted)
}

func testConcurrentReaders(t *testing.T, s store.IStore) {
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				hw := s.HighWater()
				entries, err := s.Range(0, hw, 0)
				if !assert.NoError(t, err) {
					return
				}
				assert.GreaterOrEqual(t, len(entries), int(hw))
			}
		}()
	}

	prev := uint64(0)
	for i := 0; i < 50; i++ {
		_, err := s.Append(chain(prev, 4)...)
		require.NoError(t, err)
		prev += 4
	}
	close(stop)
	wg.Wait()
	assert.EqualValues(t, 200, s.HighWater())
}

func testDurable(t *testing.T, factory StoreFactory, reopen ReopenFactory) {
	s := factory(t)
	_, err := s.Append(chain(0, 10)...)
	require.NoError(t, err)
	require.NoError(t, s.Compact(4))
	require.NoError(t, s.Close())

	s = reopen(t)
	defer s.Close()
	assert.EqualValues(t, 10, s.HighWater())
	assert.EqualValues(t, 4, s.LogStart())
	requireValue(t, s, "key-10", "value-10")

	got, err := s.Range(4, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 6)

	_, err = s.Append(chain(10, 1)...)
	assert.NoError(t, err)
}
