package boltstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/lni/dragonboat/v4/logger"
	bolt "go.etcd.io/bbolt"
)

var Logger = logger.GetLogger("store")

var (
	bucketLog   = []byte("log")
	bucketIndex = []byte("index")
	bucketMeta  = []byte("meta")

	metaHighWater = []byte("high_water")
	metaLogStart  = []byte("log_start")
)

type storeImpl struct {
	db *bolt.DB

	// mu serializes writers and guards the cached meta values
	mu        sync.RWMutex
	highWater uint64
	logStart  uint64
}

// Open opens (or creates) the store file at path.
func Open(path string) (store.IStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("boltstore: creating data dir failed: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s failed: %w", path, err)
	}

	s := &storeImpl{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLog, bucketIndex, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		s.highWater = getUint64(meta, metaHighWater)
		s.logStart = getUint64(meta, metaLogStart)
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init %s failed: %w", path, err)
	}

	Logger.Infof("opened %s at high-water %d (log starts after %d)", path, s.highWater, s.logStart)
	return s, nil
}

// Factory returns a store.Factory creating one file per group in dir.
func Factory(dir string) store.Factory {
	return func(group uint64) (store.IStore, error) {
		return Open(filepath.Join(dir, fmt.Sprintf("group-%d.db", group)))
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.IStore)
// --------------------------------------------------------------------------

func (s *storeImpl) Append(entries ...store.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	highWater := s.highWater
	var appendErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		log, index := tx.Bucket(bucketLog), tx.Bucket(bucketIndex)
		for _, e := range entries {
			skip, err := store.CheckEntry(e, highWater)
			if err != nil {
				// keep what was appended before the failing entry
				appendErr = err
				break
			}
			if skip {
				continue
			}
			if err := log.Put(seqKey(e.Seq), store.EncodeEntry(e)); err != nil {
				return err
			}
			switch e.Op {
			case store.OpWrite:
				if err := index.Put([]byte(e.Key), e.Payload); err != nil {
					return err
				}
			case store.OpDelete:
				if err := index.Delete([]byte(e.Key)); err != nil {
					return err
				}
			}
			highWater = e.Seq
		}
		return putUint64(tx.Bucket(bucketMeta), metaHighWater, highWater)
	})
	if err != nil {
		return s.highWater, store.NewError(store.RetCInternalError, err.Error())
	}
	s.highWater = highWater
	return highWater, appendErr
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, false, err
	}
	var (
		value []byte
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketIndex).Get([]byte(key)); v != nil {
			value, found = append([]byte{}, v...), true
		}
		return nil
	})
	if err != nil {
		return nil, false, store.NewError(store.RetCInternalError, err.Error())
	}
	return value, found, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	_, found, err := s.Get(key)
	return found, err
}

func (s *storeImpl) HighWater() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highWater
}

func (s *storeImpl) LogStart() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logStart
}

func (s *storeImpl) Range(from, to uint64, limit int) ([]store.Entry, error) {
	if logStart := s.LogStart(); from < logStart {
		return nil, fmt.Errorf("%w: from %d, log starts after %d", store.ErrCompacted, from, logStart)
	}

	var out []store.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(seqKey(from + 1)); k != nil; k, v = c.Next() {
			if to != 0 && binary.BigEndian.Uint64(k) > to {
				break
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			e, err := store.DecodeEntry(v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, err.Error())
	}
	return out, nil
}

func (s *storeImpl) Snapshot() (store.Snapshot, error) {
	// the read lock keeps writers out, so the index matches the high-water mark
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := store.Snapshot{HighWater: s.highWater, Data: make(map[string][]byte)}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).ForEach(func(k, v []byte) error {
			snap.Data[string(k)] = append([]byte{}, v...)
			return nil
		})
	})
	if err != nil {
		return store.Snapshot{}, store.NewError(store.RetCInternalError, err.Error())
	}
	return snap, nil
}

func (s *storeImpl) Restore(snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLog, bucketIndex} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		index := tx.Bucket(bucketIndex)
		for k, v := range snap.Data {
			if err := index.Put([]byte(k), v); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := putUint64(meta, metaHighWater, snap.HighWater); err != nil {
			return err
		}
		return putUint64(meta, metaLogStart, snap.HighWater)
	})
	if err != nil {
		return store.NewError(store.RetCInternalError, err.Error())
	}
	s.highWater, s.logStart = snap.HighWater, snap.HighWater
	Logger.Infof("restored snapshot at high-water %d (%d keys)", snap.HighWater, len(snap.Data))
	return nil
}

func (s *storeImpl) Compact(upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	upTo = min(upTo, s.highWater)
	if upTo <= s.logStart {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= upTo; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return putUint64(tx.Bucket(bucketMeta), metaLogStart, upTo)
	})
	if err != nil {
		return store.NewError(store.RetCInternalError, err.Error())
	}
	s.logStart = upTo
	return nil
}

func (s *storeImpl) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func getUint64(b *bolt.Bucket, key []byte) uint64 {
	v := b.Get(key)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putUint64(b *bolt.Bucket, key []byte, v uint64) error {
	return b.Put(key, binary.BigEndian.AppendUint64(nil, v))
}
