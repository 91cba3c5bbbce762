package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/cdc"
	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/lib/router"
	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/lib/store/memstore"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/ValentinKolb/dSeq/rpc/server"
	"github.com/ValentinKolb/dSeq/rpc/transport/tcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

// kvNode answers client requests from a map. A node that is not the leader
// rejects writes like a follower does.
type kvNode struct {
	mu     sync.Mutex
	leader bool
	seq    uint64
	data   map[string][]byte
	calls  int
}

func newKVNode(leader bool) *kvNode {
	return &kvNode{leader: leader, data: map[string][]byte{}}
}

func (n *kvNode) HandleKV(_ context.Context, req common.Request) common.Response {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++

	if err := store.ValidateKey(req.Key); err != nil {
		return common.NewErrorResponse(req, common.StatusInvalidKey, err)
	}
	switch req.Op {
	case store.OpRead:
		v, ok := n.data[req.Key]
		if !ok {
			return common.NewErrorResponse(req, common.StatusInvalidOp, store.ErrKeyNotFound)
		}
		return common.NewOkResponse(req, n.seq, v)
	case store.OpWrite, store.OpDelete:
		if !n.leader {
			return common.NewErrorResponse(req, common.StatusServerError, errors.New(MsgNotLeader))
		}
		if req.Op == store.OpDelete {
			if _, ok := n.data[req.Key]; !ok {
				return common.NewErrorResponse(req, common.StatusInvalidOp, store.ErrKeyNotFound)
			}
			delete(n.data, req.Key)
		} else {
			n.data[req.Key] = req.Payload
		}
		n.seq++
		return common.NewOkResponse(req, n.seq, nil)
	}
	return common.NewErrorResponse(req, common.StatusInvalidOp, store.ErrInvalidOp)
}

func (n *kvNode) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// replica is an in-memory replication endpoint over a memstore
type replica struct {
	group uint64
	store store.IStore

	mu   sync.Mutex
	term int64
}

func (r *replica) Group() uint64 { return r.group }

func (r *replica) Replicate(_ context.Context, term int64, entries []store.Entry) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if term < r.term {
		return r.store.HighWater(), replication.ErrStaleTerm
	}
	r.term = term
	return r.store.Append(entries...)
}

func (r *replica) CatchUp(_ context.Context, req replication.CatchUpRequest) (replication.CatchUpResponse, error) {
	if req.ForceSnapshot || req.From < r.store.LogStart() {
		snap, err := r.store.Snapshot()
		if err != nil {
			return replication.CatchUpResponse{}, err
		}
		return replication.CatchUpResponse{Snapshot: replication.EncodeSnapshot(snap), HighWater: snap.HighWater}, nil
	}
	entries, err := r.store.Range(req.From, 0, req.Max)
	return replication.CatchUpResponse{Entries: entries, HighWater: r.store.HighWater()}, err
}

func (r *replica) HighWater(context.Context) (uint64, error) {
	return r.store.HighWater(), nil
}

// view is a membership view whose leader can be moved by the test
type view struct {
	mu      sync.Mutex
	leader  membership.Leader
	standby *membership.Leader
}

func (v *view) GroupCount() uint64 { return 1 }

func (v *view) Leader(uint64) (membership.Leader, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.leader, v.leader.Address != ""
}

func (v *view) Standby(uint64) (membership.Leader, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.standby == nil {
		return membership.Leader{}, false
	}
	return *v.standby, true
}

func (v *view) setLeader(node, addr string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leader = membership.Leader{Member: membership.Member{Node: node, Address: addr}}
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

var testSerializer = serializer.NewProtoSerializer()

func clientConfig(endpoints ...string) common.ClientConfig {
	return common.ClientConfig{Endpoints: endpoints, TimeoutSecond: 5, RetryCount: 3, TCPNoDelay: true}
}

func startServer(t *testing.T, adapters map[common.Service]server.IRPCServerAdapter) string {
	t.Helper()
	s := server.NewRPCServer(common.ServerConfig{
		Transport: common.TransportConfig{
			Endpoint:       fmt.Sprintf("127.0.0.1:%d", dynaport.Get(1)[0]),
			TCPNoDelay:     true,
			TCPLingerSec:   -1,
			WorkersPerConn: 4,
		},
		TimeoutSecond: 5,
	}, tcp.NewTCPServerTransport(), testSerializer)
	for service, adapter := range adapters {
		s.Register(service, adapter)
	}
	require.NoError(t, s.Serve())
	t.Cleanup(func() { s.Close() })
	return s.Addr()
}

func appendEntries(t *testing.T, s store.IStore, n int) []store.Entry {
	t.Helper()
	out := make([]store.Entry, 0, n)
	for i := 0; i < n; i++ {
		hw := s.HighWater()
		e := store.Entry{Key: fmt.Sprintf("key-%d", hw+1), Op: store.OpWrite, Seq: hw + 1, Prev: hw, Payload: []byte("v")}
		_, err := s.Append(e)
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestKVClient(t *testing.T) {
	addr := startServer(t, map[common.Service]server.IRPCServerAdapter{
		common.ServiceKV: server.NewKVServerAdapter(newKVNode(true)),
	})
	c, err := NewKVClient(clientConfig(addr), tcp.NewTCPClientTransport(), testSerializer)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	seq, err := c.Put(ctx, "Deep", []byte("First write"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)

	value, hw, err := c.Get(ctx, "Deep")
	require.NoError(t, err)
	assert.Equal(t, "First write", string(value))
	assert.EqualValues(t, 1, hw)

	seq, err = c.Delete(ctx, "Deep")
	require.NoError(t, err)
	assert.EqualValues(t, 2, seq)

	_, err = c.Delete(ctx, "Deep")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, common.StatusInvalidOp, se.Status)

	_, err = c.Put(ctx, "", []byte("x"))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, common.StatusInvalidKey, se.Status)
}

func TestKVClientUnknownServiceIsServerError(t *testing.T) {
	addr := startServer(t, nil)
	c, err := NewKVClient(clientConfig(addr), tcp.NewTCPClientTransport(), testSerializer)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Do(context.Background(), common.NewReadRequest("k"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusServerError, resp.Status)
}

func TestRoutedKVClientFollowsLeader(t *testing.T) {
	follower, leader := newKVNode(false), newKVNode(true)
	followerAddr := startServer(t, map[common.Service]server.IRPCServerAdapter{common.ServiceKV: server.NewKVServerAdapter(follower)})
	leaderAddr := startServer(t, map[common.Service]server.IRPCServerAdapter{common.ServiceKV: server.NewKVServerAdapter(leader)})

	v := &view{}
	v.setLeader("a", followerAddr)
	c := NewRoutedKVClient(clientConfig(), router.New(v), tcp.NewTCPClientTransport, testSerializer)
	defer c.Close()

	// stale view: the request is retried until the view moves
	time.AfterFunc(200*time.Millisecond, func() { v.setLeader("b", leaderAddr) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.config.RetryCount = 20
	seq, err := c.Put(ctx, "Deep", []byte("First write"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)
	assert.Positive(t, follower.callCount())
}

func TestRoutedKVClientNoLeader(t *testing.T) {
	c := NewRoutedKVClient(clientConfig(), router.New(&view{}), tcp.NewTCPClientTransport, testSerializer)
	defer c.Close()

	_, err := c.Put(context.Background(), "Deep", []byte("x"))
	var nle *router.NoLeaderError
	assert.ErrorAs(t, err, &nle)
}

func TestRoutedKVClientReadsFromStandby(t *testing.T) {
	node := newKVNode(false)
	node.data["Deep"] = []byte("First write")
	addr := startServer(t, map[common.Service]server.IRPCServerAdapter{common.ServiceKV: server.NewKVServerAdapter(node)})

	// primary vacant, standby reachable
	v := &view{standby: &membership.Leader{Member: membership.Member{Node: "s", Address: addr}}}
	c := NewRoutedKVClient(clientConfig(), router.New(v), tcp.NewTCPClientTransport, testSerializer)
	defer c.Close()

	value, _, err := c.Get(context.Background(), "Deep")
	require.NoError(t, err)
	assert.Equal(t, "First write", string(value))
}

func TestPeer(t *testing.T) {
	r := &replica{group: 2, store: memstore.New()}
	addr := startServer(t, map[common.Service]server.IRPCServerAdapter{
		common.ServiceReplication: server.NewReplicationServerAdapter(r),
	})
	p, err := NewPeer(2, clientConfig(addr), tcp.NewTCPClientTransport(), testSerializer)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	src := memstore.New()
	entries := appendEntries(t, src, 7)

	hw, err := p.Replicate(ctx, 3, entries[:5])
	require.NoError(t, err)
	assert.EqualValues(t, 5, hw)

	// re-delivery is a no-op
	hw, err = p.Replicate(ctx, 3, entries[3:7])
	require.NoError(t, err)
	assert.EqualValues(t, 7, hw)

	hw, err = p.HighWater(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, hw)

	_, err = p.Replicate(ctx, 2, entries[6:])
	assert.ErrorIs(t, err, replication.ErrStaleTerm)

	resp, err := p.CatchUp(ctx, replication.CatchUpRequest{From: 4, Max: 2})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)
	assert.EqualValues(t, 5, resp.Entries[0].Seq)
	assert.EqualValues(t, 4, resp.Entries[0].Prev)

	require.NoError(t, r.store.Compact(6))
	resp, err = p.CatchUp(ctx, replication.CatchUpRequest{From: 2})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Snapshot)
	snap, err := replication.DecodeSnapshot(resp.Snapshot)
	require.NoError(t, err)
	assert.EqualValues(t, 7, snap.HighWater)
	assert.Len(t, snap.Data, 7)

	other, err := NewPeer(5, clientConfig(addr), tcp.NewTCPClientTransport(), testSerializer)
	require.NoError(t, err)
	defer other.Close()
	_, err = other.HighWater(ctx)
	assert.ErrorIs(t, err, common.ErrWrongGroup)
}

func TestCDCClient(t *testing.T) {
	s := memstore.New()
	emitter := cdc.NewEmitter(1, s)
	defer emitter.Close()
	appendEntries(t, s, 5)

	addr := startServer(t, map[common.Service]server.IRPCServerAdapter{
		common.ServiceCDC: server.NewCDCServerAdapter(1, emitter),
	})
	c, err := NewCDCClient(1, 20*time.Millisecond, clientConfig(addr), tcp.NewTCPClientTransport(), testSerializer)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := c.Subscribe(2)
	defer sub.Close()
	for want := uint64(3); want <= 5; want++ {
		r, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, r.Seq)
		assert.EqualValues(t, 1, r.Group)
	}

	// live append, picked up by polling
	appendEntries(t, s, 1)
	r, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 6, r.Seq)

	// nothing more
	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	_, err = sub.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCDCClientClosedFeed(t *testing.T) {
	s := memstore.New()
	emitter := cdc.NewEmitter(1, s)
	addr := startServer(t, map[common.Service]server.IRPCServerAdapter{
		common.ServiceCDC: server.NewCDCServerAdapter(1, emitter),
	})
	c, err := NewCDCClient(1, 0, clientConfig(addr), tcp.NewTCPClientTransport(), testSerializer)
	require.NoError(t, err)
	defer c.Close()

	emitter.Close()
	_, err = c.Fetch(context.Background(), 0, 10)
	assert.ErrorIs(t, err, cdc.ErrClosed)
}
