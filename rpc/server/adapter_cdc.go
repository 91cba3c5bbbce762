package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/cdc"
	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
)

// NewCDCServerAdapter returns the adapter serving fetches of the CDC feed of
// a group to remote subscribers
func NewCDCServerAdapter(group uint64, feed cdc.ISource) IRPCServerAdapter {
	return &cdcServerAdapter{group: group, feed: feed}
}

type cdcServerAdapter struct {
	group uint64
	feed  cdc.ISource
}

func (a *cdcServerAdapter) Handle(ctx context.Context, data []byte, s serializer.IRPCSerializer) []byte {
	var msg common.PeerMessage
	if err := s.DecodePeer(data, &msg); err != nil {
		return encodePeer(s, peerError(msg, fmt.Errorf("failed to deserialize request: %w", err)))
	}
	if msg.Group != a.group {
		return encodePeer(s, peerError(msg, fmt.Errorf("%w: node serves group %d, not %d", common.ErrWrongGroup, a.group, msg.Group)))
	}
	if msg.MsgType != common.MsgTFetch {
		return encodePeer(s, peerError(msg, fmt.Errorf("unsupported message type %s", msg.MsgType)))
	}

	resp := common.PeerMessage{MsgType: msg.MsgType, Group: msg.Group}
	records, err := a.feed.Fetch(ctx, msg.From, int(msg.Max))
	if err != nil {
		resp.SetError(err)
		return encodePeer(s, resp)
	}
	resp.Entries = make([]store.Entry, len(records))
	for i, r := range records {
		resp.Entries[i] = store.Entry{
			Key:       r.Key,
			Op:        r.Op,
			Seq:       r.Seq,
			Payload:   r.Payload,
			TxnID:     r.TxnID,
			Timestamp: r.Timestamp,
		}
		resp.HighWater = r.Seq
	}
	return encodePeer(s, resp)
}
