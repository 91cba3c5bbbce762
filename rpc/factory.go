package rpc

import (
	"fmt"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/ValentinKolb/dSeq/rpc/transport"
	"github.com/ValentinKolb/dSeq/rpc/transport/http"
	"github.com/ValentinKolb/dSeq/rpc/transport/tcp"
	"github.com/ValentinKolb/dSeq/rpc/transport/unix"
)

// NewSerializer returns the serializer registered under name
func NewSerializer(name string) (serializer.IRPCSerializer, error) {
	switch name {
	case common.SerializerProto, "":
		return serializer.NewProtoSerializer(), nil
	case common.SerializerJSON:
		return serializer.NewJSONSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q (use %s or %s)", name, common.SerializerProto, common.SerializerJSON)
	}
}

// ClientTransportFactory returns a constructor of unconnected client
// transports of the given kind
func ClientTransportFactory(kind string) (func() transport.IRPCClientTransport, error) {
	switch kind {
	case common.TransportTCP, "":
		return tcp.NewTCPClientTransport, nil
	case common.TransportUnix:
		return unix.NewUnixClientTransport, nil
	case common.TransportHTTP:
		return http.NewHttpClientTransport, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// NewServerTransport returns a server transport of the given kind
func NewServerTransport(kind string) (transport.IRPCServerTransport, error) {
	switch kind {
	case common.TransportTCP, "":
		return tcp.NewTCPServerTransport(), nil
	case common.TransportUnix:
		return unix.NewUnixServerTransport(), nil
	case common.TransportHTTP:
		return http.NewHttpServerTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
