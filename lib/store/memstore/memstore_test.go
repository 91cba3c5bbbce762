package memstore

import (
	"testing"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/lib/store/storetest"
	"github.com/stretchr/testify/assert"
)

func TestMemStore(t *testing.T) {
	storetest.RunStoreTests(t, "memstore", func(*testing.T) store.IStore { return New() }, nil)
}

func TestClosedStoreRejectsAppend(t *testing.T) {
	s := New()
	_ = s.Close()
	_, err := s.Append(store.Entry{Key: "a", Op: store.OpWrite, Seq: 1})
	assert.ErrorIs(t, err, errClosed)
}
