package server

import (
	"context"
	"fmt"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/ValentinKolb/dSeq/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters. Services are
// added with Register before Serve.
//
// Usage:
//
//	s := server.NewRPCServer(config, tcp.NewTCPServerTransport(), serializer.NewProtoSerializer())
//	s.Register(common.ServiceKV, server.NewKVServerAdapter(node))
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
//	defer s.Close()
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapters:   xsync.NewMapOf[common.Service, IRPCServerAdapter](),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RPCServer dispatches the frames of a transport to the adapter registered
// for their service id.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapters   *xsync.MapOf[common.Service, IRPCServerAdapter]

	// canceled on Close, parent of every request context
	ctx    context.Context
	cancel context.CancelFunc
}

// Register adds or replaces the adapter of a service
func (s *RPCServer) Register(service common.Service, adapter IRPCServerAdapter) {
	s.adapters.Store(service, adapter)
}

// Serve starts the transport and returns once it accepts connections
func (s *RPCServer) Serve() error {
	s.transport.RegisterHandler(s.handle)
	if err := s.transport.Listen(s.config); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	Logger.Infof("RPC server listening on %s with %d services", s.transport.Addr(), s.adapters.Size())
	return nil
}

// Addr returns the address the transport is bound to
func (s *RPCServer) Addr() string {
	return s.transport.Addr()
}

// Close cancels in-flight requests and stops the transport
func (s *RPCServer) Close() error {
	s.cancel()
	return s.transport.Close()
}

func (s *RPCServer) handle(service uint64, req []byte) []byte {
	adapter, ok := s.adapters.Load(service)
	if !ok {
		Logger.Warningf("request for unknown service %d", service)
		return encodeResponse(s.serializer, common.Response{
			Status:  common.StatusServerError,
			Payload: []byte(fmt.Sprintf("unknown service %d", service)),
		})
	}

	ctx := s.ctx
	if s.config.TimeoutSecond > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.config.TimeoutSecond)*time.Second)
		defer cancel()
	}
	return adapter.Handle(ctx, req, s.serializer)
}
