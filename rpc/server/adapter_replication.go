package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
)

// NewReplicationServerAdapter returns the adapter serving replication,
// catch-up and high-water requests of the other members of the group
func NewReplicationServerAdapter(replica IReplica) IRPCServerAdapter {
	return &replicationServerAdapter{replica: replica}
}

type replicationServerAdapter struct {
	replica IReplica
}

func (a *replicationServerAdapter) Handle(ctx context.Context, data []byte, s serializer.IRPCSerializer) []byte {
	var msg common.PeerMessage
	if err := s.DecodePeer(data, &msg); err != nil {
		return encodePeer(s, peerError(msg, fmt.Errorf("failed to deserialize request: %w", err)))
	}
	return encodePeer(s, a.handle(ctx, msg))
}

func (a *replicationServerAdapter) handle(ctx context.Context, msg common.PeerMessage) common.PeerMessage {
	if msg.Group != a.replica.Group() {
		return peerError(msg, fmt.Errorf("%w: node serves group %d, not %d", common.ErrWrongGroup, a.replica.Group(), msg.Group))
	}

	resp := common.PeerMessage{MsgType: msg.MsgType, Group: msg.Group}
	switch msg.MsgType {
	case common.MsgTReplicate:
		hw, err := a.replica.Replicate(ctx, msg.Term, msg.Entries)
		resp.HighWater = hw
		resp.SetError(err)

	case common.MsgTCatchUp:
		out, err := a.replica.CatchUp(ctx, replication.CatchUpRequest{
			From:          msg.From,
			Max:           int(msg.Max),
			ForceSnapshot: msg.ForceSnapshot,
		})
		resp.Entries = out.Entries
		resp.Snapshot = out.Snapshot
		resp.HighWater = out.HighWater
		resp.SetError(err)

	case common.MsgTHighWater:
		hw, err := a.replica.HighWater(ctx)
		resp.HighWater = hw
		resp.SetError(err)

	default:
		return peerError(msg, fmt.Errorf("unsupported message type %s", msg.MsgType))
	}
	return resp
}

func peerError(req common.PeerMessage, err error) common.PeerMessage {
	resp := common.PeerMessage{MsgType: req.MsgType, Group: req.Group}
	resp.SetError(err)
	return resp
}

func encodePeer(s serializer.IRPCSerializer, msg common.PeerMessage) []byte {
	b, err := s.EncodePeer(msg)
	if err == nil {
		return b
	}
	Logger.Errorf("failed to serialize %s response: %v", msg.MsgType, err)
	b, _ = s.EncodePeer(peerError(msg, fmt.Errorf("failed to serialize response: %w", err)))
	return b
}
