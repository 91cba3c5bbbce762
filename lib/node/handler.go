package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/rpc/client"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/server"
)

var _ server.IKVHandler = (*Node)(nil)

// HandleKV serves one client request. Reads are answered from the local
// index by any member of the group of the key, writes and deletes only by
// its leader.
func (n *Node) HandleKV(ctx context.Context, req common.Request) common.Response {
	if err := store.ValidateKey(req.Key); err != nil {
		return common.NewErrorResponse(req, common.StatusInvalidKey, err)
	}
	if g := n.router.GroupFor(req.Key); g != n.group {
		hint := ""
		if l, ok := n.registry.Leader(g); ok {
			hint = fmt.Sprintf(" (leader %s at %s)", l.Node, l.Address)
		}
		return common.NewErrorResponse(req, common.StatusServerError,
			fmt.Errorf("%s: key belongs to group %d, this node serves group %d%s", client.MsgWrongGroup, g, n.group, hint))
	}

	switch req.Op {
	case store.OpRead:
		return n.read(req)
	case store.OpWrite, store.OpDelete:
		return n.write(ctx, req)
	default:
		return common.NewErrorResponse(req, common.StatusInvalidOp, fmt.Errorf("%w: %s", store.ErrInvalidOp, req.Op))
	}
}

func (n *Node) read(req common.Request) common.Response {
	value, found, err := n.store.Get(req.Key)
	if err != nil {
		return common.NewErrorResponse(req, common.StatusServerError, err)
	}
	if !found {
		return common.NewErrorResponse(req, common.StatusInvalidOp, fmt.Errorf("%w: %q", store.ErrKeyNotFound, req.Key))
	}
	// the value is at least as old as the high-water mark read after it
	return common.NewOkResponse(req, n.store.HighWater(), value)
}

func (n *Node) write(ctx context.Context, req common.Request) common.Response {
	ack, err := n.engine.Accept(ctx, store.Entry{
		Key:     req.Key,
		Op:      req.Op,
		Payload: req.Payload,
	})
	if err != nil {
		return common.NewErrorResponse(req, statusOf(err), n.describe(err))
	}
	return common.NewOkResponse(req, ack.Seq, nil)
}

// describe prefixes leadership failures with the message the routed client
// re-routes on
func (n *Node) describe(err error) error {
	if !errors.Is(err, replication.ErrNotLeader) {
		return err
	}
	if l, ok := n.registry.Leader(n.group); ok && l.Node != n.config.Node {
		return fmt.Errorf("%s (leader %s at %s): %w", client.MsgNotLeader, l.Node, l.Address, err)
	}
	return fmt.Errorf("%s: %w", client.MsgNotLeader, err)
}

// statusOf maps an error of the write path to a response status
func statusOf(err error) common.Status {
	switch {
	case errors.Is(err, store.ErrInvalidKey):
		return common.StatusInvalidKey
	case errors.Is(err, store.ErrInvalidOp):
		// also matches ErrKeyNotFound
		return common.StatusInvalidOp
	default:
		return common.StatusServerError
	}
}
