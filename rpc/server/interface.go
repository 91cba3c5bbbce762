package server

import (
	"context"

	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
)

// IRPCServerAdapter handles the frames of one service. Errors never leave
// an adapter: they are encoded into the response message of the service.
type IRPCServerAdapter interface {
	// Handle decodes req with s, processes it and returns the encoded response
	Handle(ctx context.Context, req []byte, s serializer.IRPCSerializer) (resp []byte)
}

// IKVHandler serves client requests. The node implements it on top of the
// router and the replication engine of its group.
type IKVHandler interface {
	HandleKV(ctx context.Context, req common.Request) common.Response
}

// IReplica is the replication endpoint of the group a node is a member of.
// *replication.Engine implements it.
type IReplica interface {
	replication.IPeer
	Group() uint64
}
