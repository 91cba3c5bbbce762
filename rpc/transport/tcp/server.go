package tcp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/transport"
	"github.com/ValentinKolb/dSeq/rpc/transport/base"
)

// keepAliveProbes is the number of unanswered probes after which a peer is
// considered gone. A crashed follower or client is detected after about
// (1 + keepAliveProbes) * TCPKeepAliveSec.
const keepAliveProbes = 3

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

// Listen opens the listener. Keep-alive probes are configured on the
// listener so every accepted connection inherits them.
func (c *serverConnector) Listen(config common.ServerConfig) (net.Listener, error) {
	var lc net.ListenConfig
	if sec := config.Transport.TCPKeepAliveSec; sec > 0 {
		lc.KeepAliveConfig = net.KeepAliveConfig{
			Enable:   true,
			Idle:     time.Duration(sec) * time.Second,
			Interval: time.Duration(sec) * time.Second,
			Count:    keepAliveProbes,
		}
	}

	listener, err := lc.Listen(context.Background(), "tcp", config.Transport.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on tcp %s: %v", config.Transport.Endpoint, err)
	}
	return listener, nil
}

// UpgradeConnection applies the socket options of the transport config
func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.ServerConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(config.Transport.TCPNoDelay); err != nil {
		return err
	}

	if config.Transport.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.Transport.WriteBufferSize); err != nil {
			return err
		}
	}

	if config.Transport.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.Transport.ReadBufferSize); err != nil {
			return err
		}
	}

	// negative disables linger handling
	if config.Transport.TCPLingerSec >= 0 {
		if err := tcpConn.SetLinger(config.Transport.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Server Transport Factory Method
// --------------------------------------------------------------------------

// NewTCPServerTransport creates a new TCP server transport
func NewTCPServerTransport() transport.IRPCServerTransport {
	return base.NewBaseServerTransport(&serverConnector{})
}
