// Package memstore implements store.IStore in memory. Nothing survives a
// restart; it backs tests and single node setups without a data directory.
package memstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ValentinKolb/dSeq/lib/store"
)

type storeImpl struct {
	mu        sync.RWMutex
	log       []store.Entry
	index     map[string][]byte
	highWater uint64
	logStart  uint64
	closed    bool
}

// New creates an empty in-memory store.
func New() store.IStore {
	return &storeImpl{index: make(map[string][]byte)}
}

// Factory returns a store.Factory creating in-memory stores.
func Factory() store.Factory {
	return func(uint64) (store.IStore, error) { return New(), nil }
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.IStore)
// --------------------------------------------------------------------------

func (s *storeImpl) Append(entries ...store.Entry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.highWater, errClosed
	}

	for _, e := range entries {
		skip, err := store.CheckEntry(e, s.highWater)
		if err != nil {
			return s.highWater, err
		}
		if skip {
			continue
		}
		e.Payload = append([]byte(nil), e.Payload...)
		s.log = append(s.log, e)
		switch e.Op {
		case store.OpWrite:
			s.index[e.Key] = e.Payload
		case store.OpDelete:
			delete(s.index, e.Key)
		}
		s.highWater = e.Seq
	}
	return s.highWater, nil
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.index[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	if err := store.ValidateKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key]
	return ok, nil
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < s.logStart {
		return nil, fmt.Errorf("%w: from %d, log starts after %d", store.ErrCompacted, from, s.logStart)
	}

	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].Seq > from })
	var out []store.Entry
	for ; i < len(s.log); i++ {
		e := s.log[i]
		if to != 0 && e.Seq > to {
			break
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		e.Payload = append([]byte(nil), e.Payload...)
		out = append(out, e)
	}
	return out, nil
}

func (s *storeImpl) Snapshot() (store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := make(map[string][]byte, len(s.index))
	for k, v := range s.index {
		data[k] = append([]byte(nil), v...)
	}
	return store.Snapshot{HighWater: s.highWater, Data: data}, nil
}

func (s *storeImpl) Restore(snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string][]byte, len(snap.Data))
	for k, v := range snap.Data {
		s.index[k] = append([]byte(nil), v...)
	}
	s.log = nil
	s.highWater = snap.HighWater
	s.logStart = snap.HighWater
	return nil
}

func (s *storeImpl) Compact(upTo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	upTo = min(upTo, s.highWater)
	if upTo <= s.logStart {
		return nil
	}
	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].Seq > upTo })
	s.log = append([]store.Entry(nil), s.log[i:]...)
	s.logStart = upTo
	return nil
}

func (s *storeImpl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var errClosed = store.NewError(store.RetCInternalError, "store closed")
