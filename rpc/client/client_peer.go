package client

import (
	"context"

	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/ValentinKolb/dSeq/rpc/transport"
)

// NewPeer connects to another member of a group and returns it as a
// replication peer
func NewPeer(
	group uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*Peer, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	return &Peer{
		rpcClientAdapter: rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
		group: group,
	}, nil
}

// Peer implements replication.IPeer over the replication service of a
// remote node
type Peer struct {
	rpcClientAdapter
	group uint64
}

var _ replication.IPeer = (*Peer)(nil)

// --------------------------------------------------------------------------
// Interface Methods (docu see replication.IPeer)
// --------------------------------------------------------------------------

func (p *Peer) Replicate(ctx context.Context, term int64, entries []store.Entry) (uint64, error) {
	resp, err := p.invoke(ctx, common.PeerMessage{
		MsgType: common.MsgTReplicate,
		Term:    term,
		Entries: entries,
	})
	return resp.HighWater, err
}

func (p *Peer) CatchUp(ctx context.Context, req replication.CatchUpRequest) (replication.CatchUpResponse, error) {
	resp, err := p.invoke(ctx, common.PeerMessage{
		MsgType:       common.MsgTCatchUp,
		From:          req.From,
		Max:           uint64(max(req.Max, 0)),
		ForceSnapshot: req.ForceSnapshot,
	})
	if err != nil {
		return replication.CatchUpResponse{}, err
	}
	return replication.CatchUpResponse{
		Entries:   resp.Entries,
		Snapshot:  resp.Snapshot,
		HighWater: resp.HighWater,
	}, nil
}

func (p *Peer) HighWater(ctx context.Context) (uint64, error) {
	resp, err := p.invoke(ctx, common.PeerMessage{MsgType: common.MsgTHighWater})
	return resp.HighWater, err
}

// Close closes the connections to the peer
func (p *Peer) Close() error {
	return p.transport.Close()
}

func (p *Peer) invoke(ctx context.Context, msg common.PeerMessage) (common.PeerMessage, error) {
	msg.Group = p.group
	return invokePeer(ctx, p.transport, p.serializer, common.ServiceReplication, msg)
}
