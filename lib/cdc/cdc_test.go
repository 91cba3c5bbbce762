package cdc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/lib/store/memstore"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appendN appends n consecutive writes after the high-water mark of s and
// notifies the emitter.
func appendN(t *testing.T, s store.IStore, e *Emitter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		hw := s.HighWater()
		seq := hw + 1
		_, err := s.Append(store.Entry{Key: fmt.Sprintf("key-%d", seq), Op: store.OpWrite, Seq: seq, Prev: hw, Payload: []byte(strconv.FormatUint(seq, 10))})
		require.NoError(t, err)
		e.Notify(seq)
	}
}

func nextN(t *testing.T, sub *Subscription, n int) []Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := sub.Next(ctx)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func TestReplayFromK(t *testing.T) {
	s := memstore.New()
	e := NewEmitter(3, s)
	appendN(t, s, e, 10)

	for _, k := range []uint64{0, 4, 9} {
		sub := e.Subscribe(k)
		got := nextN(t, sub, int(10-k))
		for i, r := range got {
			assert.EqualValues(t, k+uint64(i)+1, r.Seq)
			assert.EqualValues(t, 3, r.Group)
			assert.Equal(t, fmt.Sprintf("key-%d", r.Seq), r.Key)
		}
		assert.EqualValues(t, 10, sub.Cursor())

		// nothing beyond the high-water mark
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := sub.Next(ctx)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		sub.Close()
	}
	assert.Zero(t, e.Subscriptions())
}

func TestFollowsLiveAppends(t *testing.T) {
	s := memstore.New()
	e := NewEmitter(0, s)
	sub := e.Subscribe(0)
	defer sub.Close()

	var (
		wg  sync.WaitGroup
		got []Record
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		got = nextN(t, sub, 50)
	}()

	for i := 0; i < 5; i++ {
		appendN(t, s, e, 10)
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	require.Len(t, got, 50)
	seen := make(map[uint64]bool)
	for i, r := range got {
		assert.EqualValues(t, i+1, r.Seq, "records in log order")
		assert.False(t, seen[r.Seq], "duplicate %d", r.Seq)
		seen[r.Seq] = true
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	s := memstore.New()
	e := NewEmitter(0, s)
	appendN(t, s, e, 3)

	a, b := e.Subscribe(0), e.Subscribe(2)
	defer a.Close()
	defer b.Close()
	assert.Equal(t, 2, e.Subscriptions())

	assert.EqualValues(t, 1, nextN(t, a, 1)[0].Seq)
	assert.EqualValues(t, 3, nextN(t, b, 1)[0].Seq)
	assert.EqualValues(t, 2, nextN(t, a, 1)[0].Seq)
}

func TestCloseUnblocksNext(t *testing.T) {
	s := memstore.New()
	e := NewEmitter(0, s)
	sub := e.Subscribe(0)

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	e.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("next did not return after close")
	}
	assert.Zero(t, e.Subscriptions())
}

func TestReplayBelowCompactedLog(t *testing.T) {
	s := memstore.New()
	e := NewEmitter(0, s)
	appendN(t, s, e, 10)
	require.NoError(t, s.Compact(5))

	sub := e.Subscribe(2)
	defer sub.Close()
	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, store.ErrCompacted)

	sub = e.Subscribe(5)
	defer sub.Close()
	assert.EqualValues(t, 6, nextN(t, sub, 1)[0].Seq)
}

func TestRecordEncoding(t *testing.T) {
	r := Record{Group: 4, Seq: 7, Key: "Deep", Op: store.OpWrite, Payload: []byte("First write"), TxnID: "txn", Timestamp: 42}
	got, err := DecodeRecord(EncodeRecord(r))
	require.NoError(t, err)
	assert.Equal(t, r, got)

	_, err = DecodeRecord([]byte{0xff})
	assert.Error(t, err)
}

// --------------------------------------------------------------------------
// NATS
// --------------------------------------------------------------------------

func startNatsServer(t *testing.T) *natsserver.Server {
	t.Helper()
	serv, err := natsserver.NewServer(&natsserver.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	require.NoError(t, err)

	ready := make(chan bool)
	go func() {
		ready <- true
		serv.Start()
	}()
	<-ready

	if !serv.ReadyForConnections(2 * time.Second) {
		t.Fatalf("nats-io server failed to start")
	}
	t.Cleanup(serv.Shutdown)
	return serv
}

func TestNATSSinkPublishesInOrder(t *testing.T) {
	serv := startNatsServer(t)

	sink, err := NewNATSSink(NATSConfig{URL: serv.ClientURL(), Prefix: "test.cdc"})
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, "test.cdc.2", sink.Subject(2))

	consumer, err := nats.Connect(serv.ClientURL())
	require.NoError(t, err)
	defer consumer.Close()
	msgs := make(chan *nats.Msg, 64)
	natsSub, err := consumer.ChanSubscribe("test.cdc.2", msgs)
	require.NoError(t, err)
	defer natsSub.Unsubscribe()
	require.NoError(t, consumer.Flush())

	s := memstore.New()
	e := NewEmitter(2, s)
	appendN(t, s, e, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, 2, e.Subscribe) }()

	appendN(t, s, e, 3)
	for want := uint64(3); want <= 8; want++ {
		select {
		case msg := <-msgs:
			r, err := DecodeRecord(msg.Data)
			require.NoError(t, err)
			assert.Equal(t, want, r.Seq)
			assert.EqualValues(t, 2, r.Group)
			assert.Equal(t, strconv.FormatUint(want, 10), msg.Header.Get(HeaderSeq))
			assert.Equal(t, "write", msg.Header.Get(HeaderOp))
			assert.Equal(t, fmt.Sprintf("2-%d", want), msg.Header.Get(HeaderMsgID))
		case <-time.After(5 * time.Second):
			t.Fatalf("record %d not published", want)
		}
	}
	assert.Eventually(t, func() bool { return sink.LastSeq() == 8 }, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Zero(t, e.Subscriptions())
}
