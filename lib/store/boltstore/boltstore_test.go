package boltstore

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/lib/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltStore(t *testing.T) {
	var (
		mu    sync.Mutex
		paths = map[string]string{}
	)
	factory := func(t *testing.T) store.IStore {
		path := filepath.Join(t.TempDir(), "store.db")
		mu.Lock()
		paths[t.Name()] = path
		mu.Unlock()
		s, err := Open(path)
		require.NoError(t, err)
		return s
	}
	reopen := func(t *testing.T) store.IStore {
		mu.Lock()
		path := paths[t.Name()]
		mu.Unlock()
		s, err := Open(path)
		require.NoError(t, err)
		return s
	}
	storetest.RunStoreTests(t, "boltstore", factory, reopen)
}

func TestFactoryUsesOneFilePerGroup(t *testing.T) {
	dir := t.TempDir()
	f := Factory(dir)

	s0, err := f(0)
	require.NoError(t, err)
	defer s0.Close()
	s1, err := f(1)
	require.NoError(t, err)
	defer s1.Close()

	_, err = s0.Append(store.Entry{Key: "a", Op: store.OpWrite, Seq: 1, Payload: []byte("0")})
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dir, "group-0.db"))
	assert.FileExists(t, filepath.Join(dir, "group-1.db"))
	assert.Zero(t, s1.HighWater())
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Restore(store.Snapshot{HighWater: 42, Data: map[string][]byte{"Deep": []byte("Thought")}}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.EqualValues(t, 42, s.HighWater())
	assert.EqualValues(t, 42, s.LogStart())
	v, found, err := s.Get("Deep")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "Thought", string(v))
}
