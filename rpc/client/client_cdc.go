package client

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dSeq/lib/cdc"
	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/ValentinKolb/dSeq/rpc/transport"
)

// DefaultPollInterval is the wait between two empty fetches of a remote feed
const DefaultPollInterval = 200 * time.Millisecond

// NewCDCClient connects to a member of a group and returns its CDC feed as a
// cdc.ISource. The remote side has no push channel: an exhausted
// subscription polls every pollInterval.
func NewCDCClient(
	group uint64,
	pollInterval time.Duration,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*CDCClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &CDCClient{
		rpcClientAdapter: rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
		group: group,
		poll:  pollInterval,
	}, nil
}

// CDCClient reads the CDC feed of a group from a remote node
type CDCClient struct {
	rpcClientAdapter
	group uint64
	poll  time.Duration
}

var _ cdc.ISource = (*CDCClient)(nil)

// Subscribe starts a session replaying every record with Seq > from
func (c *CDCClient) Subscribe(from uint64) *cdc.Subscription {
	return cdc.NewSubscription(c, from)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see cdc.ISource)
// --------------------------------------------------------------------------

func (c *CDCClient) Fetch(ctx context.Context, from uint64, max int) ([]cdc.Record, error) {
	resp, err := invokePeer(ctx, c.transport, c.serializer, common.ServiceCDC, common.PeerMessage{
		MsgType: common.MsgTFetch,
		Group:   c.group,
		From:    from,
		Max:     uint64(max),
	})
	switch {
	case errors.Is(err, replication.ErrClosed), errors.Is(err, transport.ErrClosed):
		return nil, cdc.ErrClosed
	case err != nil:
		return nil, err
	}

	records := make([]cdc.Record, len(resp.Entries))
	for i, e := range resp.Entries {
		records[i] = cdc.FromEntry(c.group, e)
	}
	return records, nil
}

func (c *CDCClient) Changed() <-chan struct{} {
	ch := make(chan struct{})
	time.AfterFunc(c.poll, func() { close(ch) })
	return ch
}

// Close closes the connections to the node
func (c *CDCClient) Close() error {
	return c.transport.Close()
}
