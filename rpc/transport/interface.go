package transport

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dSeq/rpc/common"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the service id of the frame and the request as parameters and returns a response
type ServerHandleFunc func(service uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen binds the endpoint of the config. It returns once the listener
	// is ready; requests are served in the background until Close.
	Listen(config common.ServerConfig) error
	// Addr returns the bound address (useful with port 0)
	Addr() string
	// Close stops accepting connections, closes open ones and waits for
	// in-flight requests.
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to a service of the server and returns the
	// response. The configured timeout applies unless ctx has a deadline.
	Send(ctx context.Context, service uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
