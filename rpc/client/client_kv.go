package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/ValentinKolb/dSeq/lib/router"
	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/ValentinKolb/dSeq/rpc/transport"
	"github.com/flowchartsman/retry"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
)

// Messages of Server_Error responses the client re-routes on
const (
	MsgNotLeader  = "not leader"
	MsgWrongGroup = "wrong group"
)

// StatusError is returned by Get, Put and Delete for responses other than Ok
type StatusError struct {
	Key    string
	Status common.Status
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s for key %q: %s", e.Status, e.Key, e.Msg)
}

// IsNotLeader reports whether err (or resp) says the node that answered
// does not lead the group of the key
func IsNotLeader(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) || se.Status != common.StatusServerError {
		return false
	}
	return isRerouteMsg(se.Msg)
}

func isRerouteMsg(msg string) bool {
	return strings.HasPrefix(msg, MsgNotLeader) || strings.HasPrefix(msg, MsgWrongGroup)
}

// TransportFactory creates an unconnected client transport
type TransportFactory func() transport.IRPCClientTransport

// NewKVClient creates a client sending every request to the fixed endpoints
// of config. The node that answers re-routes nothing: writes for another
// group or sent to a follower fail with a not leader Server_Error.
func NewKVClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*KVClient, error) {
	if err := transport.Connect(config); err != nil {
		return nil, err
	}
	return &KVClient{
		rpcClientAdapter: rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// NewRoutedKVClient creates a client that resolves the leader of the group
// of every key with r and sends the request there. Requests answered with
// not leader, and keys whose group has no leader, are retried with backoff
// up to config.RetryCount times while the view of r catches up.
func NewRoutedKVClient(
	config common.ClientConfig,
	r *router.Router,
	newTransport TransportFactory,
	serializer serializer.IRPCSerializer,
) *KVClient {
	return &KVClient{
		rpcClientAdapter: rpcClientAdapter{
			config:     config,
			serializer: serializer,
		},
		router:       r,
		newTransport: newTransport,
		conns:        xsync.NewMapOf[string, transport.IRPCClientTransport](),
	}
}

// KVClient is the client of the KV service
type KVClient struct {
	rpcClientAdapter

	router       *router.Router
	newTransport TransportFactory
	dialMu       sync.Mutex
	conns        *xsync.MapOf[string, transport.IRPCClientTransport] // by address
}

// Do sends req and returns the response of the node. Only transport
// failures are returned as errors.
func (c *KVClient) Do(ctx context.Context, req common.Request) (common.Response, error) {
	if c.router == nil {
		return invokeRequest(ctx, c.transport, c.serializer, req)
	}
	return c.doRouted(ctx, req)
}

// Get reads key and returns its value and the high-water mark of the node
// that served the read
func (c *KVClient) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	resp, err := c.expectOk(ctx, common.NewReadRequest(key))
	return resp.Payload, resp.Seq, err
}

// Put writes key and returns the sequence number of the write
func (c *KVClient) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	resp, err := c.expectOk(ctx, common.NewWriteRequest(key, value))
	return resp.Seq, err
}

// Delete removes key and returns the sequence number of the delete
func (c *KVClient) Delete(ctx context.Context, key string) (uint64, error) {
	resp, err := c.expectOk(ctx, common.NewDeleteRequest(key))
	return resp.Seq, err
}

// Close closes every connection of the client
func (c *KVClient) Close() error {
	if c.router == nil {
		return c.transport.Close()
	}
	var err error
	c.conns.Range(func(addr string, t transport.IRPCClientTransport) bool {
		err = multierr.Append(err, t.Close())
		c.conns.Delete(addr)
		return true
	})
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *KVClient) expectOk(ctx context.Context, req common.Request) (common.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if resp.Status != common.StatusOk {
		return resp, &StatusError{Key: req.Key, Status: resp.Status, Msg: string(resp.Payload)}
	}
	return resp, nil
}

func (c *KVClient) doRouted(ctx context.Context, req common.Request) (common.Response, error) {
	var (
		resp     common.Response
		done     bool
		attempts int
		lastErr  error
	)
	maxAttempts := max(c.config.RetryCount, 1)

	retrier := retry.NewRetrier(maxAttempts, 50*time.Millisecond, 2*time.Second)
	_ = retrier.RunContext(ctx, func(ctx context.Context) error {
		if done || attempts >= maxAttempts {
			return nil
		}
		attempts++

		targets, err := c.targets(req)
		if err != nil {
			lastErr = err
			return err
		}

		for _, target := range targets {
			var t transport.IRPCClientTransport
			t, err = c.dial(target.Address)
			if err != nil {
				lastErr = err
				continue
			}
			var r common.Response
			r, err = invokeRequest(ctx, t, c.serializer, req)
			if err != nil {
				lastErr = err
				continue
			}
			if r.Status == common.StatusServerError && isRerouteMsg(string(r.Payload)) {
				resp, lastErr = r, &StatusError{Key: req.Key, Status: r.Status, Msg: string(r.Payload)}
				err = lastErr
				continue
			}
			resp, lastErr, done = r, nil, true
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	switch {
	case done:
		return resp, nil
	case ctx.Err() != nil:
		return resp, ctx.Err()
	case IsNotLeader(lastErr):
		// the last answer is a regular response
		return resp, nil
	}
	return resp, fmt.Errorf("request for key %q failed after %d attempts: %w", req.Key, attempts, lastErr)
}

// targets returns the leader for writes and the read fan-out for reads
func (c *KVClient) targets(req common.Request) ([]membership.Leader, error) {
	if req.Op == store.OpRead {
		_, targets, err := c.router.ReadTargets(req.Key)
		return targets, err
	}
	_, leader, err := c.router.Route(req.Key)
	if err != nil {
		return nil, err
	}
	return []membership.Leader{leader}, nil
}

// dial returns the cached transport of addr, connecting it on first use
func (c *KVClient) dial(addr string) (transport.IRPCClientTransport, error) {
	if t, ok := c.conns.Load(addr); ok {
		return t, nil
	}
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if t, ok := c.conns.Load(addr); ok {
		return t, nil
	}

	config := c.config
	config.Endpoints = []string{addr}
	// retries happen across targets
	config.RetryCount = 1
	t := c.newTransport()
	if err := t.Connect(config); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c.conns.Store(addr, t)
	Logger.Debugf("connected to %s", addr)
	return t, nil
}
