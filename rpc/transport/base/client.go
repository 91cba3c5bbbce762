package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/transport"
	"github.com/flowchartsman/retry"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"
)

var Logger = logger.GetLogger("transport/rpc")

var errNotConnected = errors.New("connection is not established")

const (
	minRedialDelay = 50 * time.Millisecond
	maxRedialDelay = 2 * time.Second
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConnection is one multiplexed connection to an endpoint. A reader
// goroutine owns the read side and redials when the connection breaks.
type clientConnection struct {
	endpoint string
	parent   *clientTransport

	mu   sync.Mutex // guards conn and serializes frame writes
	conn net.Conn

	pending *xsync.MapOf[uint64, chan responseResult]
	stopCh  chan struct{}
	done    chan struct{}
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector   IClientConnector
	config      common.ClientConfig
	connections []*clientConnection

	nextConnIndex *atomic.Uint64 // round robin
	nextRequestID *atomic.Uint64
	closed        *atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector:     connector,
		nextConnIndex: atomic.NewUint64(0),
		nextRequestID: atomic.NewUint64(0),
		closed:        atomic.NewBool(false),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}
	if len(t.connections) > 0 {
		return fmt.Errorf("transport already connected")
	}
	t.config = config

	perEndpoint := max(config.ConnectionsPerEndpoint, 1)
	t.connections = make([]*clientConnection, 0, len(config.Endpoints)*perEndpoint)

	connected := 0
	var lastErr error
	for _, endpoint := range config.Endpoints {
		for i := 0; i < perEndpoint; i++ {
			c := &clientConnection{
				endpoint: endpoint,
				parent:   t,
				pending:  xsync.NewMapOf[uint64, chan responseResult](),
				stopCh:   make(chan struct{}),
				done:     make(chan struct{}),
			}
			if err := c.dial(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, perEndpoint, err)
				lastErr = err
			} else {
				connected++
			}
			t.connections = append(t.connections, c)
			go c.readResponses()
		}
	}

	if connected == 0 {
		t.Close()
		return fmt.Errorf("failed to connect to any endpoint: %w", lastErr)
	}

	Logger.Infof("Connected %d out of %d connections to %d endpoints using %s transport",
		connected, len(t.connections), len(config.Endpoints), t.connector.GetName())
	return nil
}

func (t *clientTransport) Send(ctx context.Context, service uint64, req []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok && t.config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.Timeout())
		defer cancel()
	}

	var (
		resp     []byte
		attempts int
		lastErr  error
	)
	maxAttempts := max(t.config.RetryCount, 1)

	retrier := retry.NewRetrier(maxAttempts, 50*time.Millisecond, time.Second)
	_ = retrier.RunContext(ctx, func(ctx context.Context) error {
		if attempts >= maxAttempts || resp != nil {
			return nil
		}
		attempts++
		conn := t.getNextConnection()
		if conn == nil {
			lastErr = fmt.Errorf("no connections available")
			return nil
		}
		data, err := conn.roundTrip(ctx, service, t.nextRequestID.Inc(), req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			Logger.Debugf("Request attempt %d/%d to %s failed: %v", attempts, maxAttempts, conn.endpoint, err)
			return err
		}
		resp, lastErr = data, nil
		return nil
	})

	switch {
	case lastErr == nil && resp != nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("request to service %d: %w", service, ctx.Err())
	}
	return nil, fmt.Errorf("failed to send request after %d attempts: %w", attempts, lastErr)
}

func (t *clientTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	for _, c := range t.connections {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	}
	for _, c := range t.connections {
		<-c.done
		c.failPending(transport.ErrClosed)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next established connection via round robin,
// falling back to any connection while all of them are redialing.
func (t *clientTransport) getNextConnection() *clientConnection {
	n := uint64(len(t.connections))
	if n == 0 {
		return nil
	}
	start := t.nextConnIndex.Inc()
	for i := uint64(0); i < n; i++ {
		c := t.connections[(start+i)%n]
		if c.connected() {
			return c
		}
	}
	return t.connections[start%n]
}

func (c *clientConnection) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// roundTrip writes one frame and waits for the matching response
func (c *clientConnection) roundTrip(ctx context.Context, service, requestID uint64, req []byte) ([]byte, error) {
	respCh := make(chan responseResult, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, errNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	err := writeFrame(c.conn, service, requestID, req)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, transport.ErrClosed
	}
}

// readResponses reads responses in a loop and distributes them to waiting requests
func (c *clientConnection) readResponses() {
	defer close(c.done)

	delay := minRedialDelay
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			select {
			case <-c.stopCh:
				return
			case <-time.After(delay):
			}
			if err := c.dial(); err != nil {
				Logger.Debugf("Redial of %s failed: %v", c.endpoint, err)
				delay = min(delay*2, maxRedialDelay)
			} else {
				Logger.Infof("Reconnected to %s", c.endpoint)
				delay = minRedialDelay
			}
			continue
		}

		service, requestID, data, err := readFrame(conn, nil)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			Logger.Warningf("Connection to %s broke: %v", c.endpoint, err)
			c.mu.Lock()
			if c.conn == conn {
				c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			c.failPending(fmt.Errorf("error reading response: %w", err))
			continue
		}

		if respCh, ok := c.pending.Load(requestID); ok {
			select {
			case respCh <- responseResult{data: data}:
			default:
			}
		} else {
			Logger.Debugf("Dropping response for unknown request ID %d of service %d", requestID, service)
		}
	}
}

// failPending completes every in-flight request with err
func (c *clientConnection) failPending(err error) {
	c.pending.Range(func(_ uint64, ch chan responseResult) bool {
		select {
		case ch <- responseResult{err: err}:
		default:
		}
		return true
	})
}

// dial establishes the connection to the endpoint
func (c *clientConnection) dial() error {
	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopCh:
		conn.Close()
		return transport.ErrClosed
	default:
	}
	c.conn = conn
	return nil
}
