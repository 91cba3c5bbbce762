package transport_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/transport"
	"github.com/ValentinKolb/dSeq/rpc/transport/http"
	"github.com/ValentinKolb/dSeq/rpc/transport/tcp"
	"github.com/ValentinKolb/dSeq/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
)

type transportPair struct {
	server   func() transport.IRPCServerTransport
	client   func() transport.IRPCClientTransport
	endpoint func(t *testing.T) string
}

func tcpEndpoint(*testing.T) string {
	return fmt.Sprintf("127.0.0.1:%d", dynaport.Get(1)[0])
}

var transports = map[string]transportPair{
	"tcp": {tcp.NewTCPServerTransport, tcp.NewTCPClientTransport, tcpEndpoint},
	"unix": {unix.NewUnixServerTransport, unix.NewUnixClientTransport, func(t *testing.T) string {
		return filepath.Join(t.TempDir(), "dseq.sock")
	}},
	"http": {http.NewHttpServerTransport, http.NewHttpClientTransport, tcpEndpoint},
}

// echo answers with the service id followed by the request
func echo(service uint64, req []byte) []byte {
	return append([]byte(fmt.Sprintf("%d:", service)), req...)
}

func startPair(t *testing.T, pair transportPair, handler transport.ServerHandleFunc) transport.IRPCClientTransport {
	t.Helper()

	server := pair.server()
	server.RegisterHandler(handler)
	require.NoError(t, server.Listen(common.ServerConfig{
		Transport: common.TransportConfig{
			Endpoint:       pair.endpoint(t),
			TCPNoDelay:     true,
			TCPLingerSec:   -1,
			BufferSize:     4096,
			WorkersPerConn: 8,
		},
		TimeoutSecond: 5,
	}))
	t.Cleanup(func() { server.Close() })

	client := pair.client()
	require.NoError(t, client.Connect(common.ClientConfig{
		Endpoints:              []string{server.Addr()},
		TimeoutSecond:          5,
		RetryCount:             2,
		ConnectionsPerEndpoint: 2,
	}))
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRoundTrip(t *testing.T) {
	for name, pair := range transports {
		t.Run(name, func(t *testing.T) {
			client := startPair(t, pair, echo)

			resp, err := client.Send(context.Background(), common.ServiceKV, []byte("hello"))
			require.NoError(t, err)
			assert.Equal(t, "1:hello", string(resp))

			resp, err = client.Send(context.Background(), common.ServiceReplication, nil)
			require.NoError(t, err)
			assert.Equal(t, "2:", string(resp))

			// larger than the server read buffer
			big := make([]byte, 64*1024)
			resp, err = client.Send(context.Background(), common.ServiceCDC, big)
			require.NoError(t, err)
			assert.Len(t, resp, len(big)+2)
		})
	}
}

func TestConcurrentRequestsAreCorrelated(t *testing.T) {
	for name, pair := range transports {
		t.Run(name, func(t *testing.T) {
			// answers out of order: lower payloads wait longer
			client := startPair(t, pair, func(service uint64, req []byte) []byte {
				time.Sleep(time.Duration(20-len(req)%20) * time.Millisecond)
				return req
			})

			var wg sync.WaitGroup
			errs := make(chan error, 64)
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					want := fmt.Sprintf("request-%d", i)
					resp, err := client.Send(context.Background(), common.ServiceKV, []byte(want))
					if err != nil {
						errs <- err
						return
					}
					if string(resp) != want {
						errs <- fmt.Errorf("got %q, want %q", resp, want)
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestSendHonorsContext(t *testing.T) {
	for name, pair := range transports {
		t.Run(name, func(t *testing.T) {
			release := make(chan struct{})
			defer close(release)
			client := startPair(t, pair, func(uint64, []byte) []byte {
				<-release
				return nil
			})

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := client.Send(ctx, common.ServiceKV, []byte("slow"))
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestSendAfterClose(t *testing.T) {
	client := startPair(t, transports["tcp"], echo)
	require.NoError(t, client.Close())

	_, err := client.Send(context.Background(), common.ServiceKV, []byte("x"))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestConnectFailsWithoutServer(t *testing.T) {
	client := tcp.NewTCPClientTransport()
	err := client.Connect(common.ClientConfig{Endpoints: []string{tcpEndpoint(t)}, TimeoutSecond: 1})
	assert.Error(t, err)
}

func TestClientRedialsAfterServerRestart(t *testing.T) {
	endpoint := tcpEndpoint(t)
	config := common.ServerConfig{Transport: common.TransportConfig{Endpoint: endpoint, TCPLingerSec: -1}, TimeoutSecond: 5}

	server := tcp.NewTCPServerTransport()
	server.RegisterHandler(echo)
	require.NoError(t, server.Listen(config))

	client := tcp.NewTCPClientTransport()
	require.NoError(t, client.Connect(common.ClientConfig{Endpoints: []string{endpoint}, TimeoutSecond: 5, RetryCount: 3}))
	defer client.Close()

	_, err := client.Send(context.Background(), common.ServiceKV, []byte("a"))
	require.NoError(t, err)

	require.NoError(t, server.Close())
	server = tcp.NewTCPServerTransport()
	server.RegisterHandler(echo)
	require.NoError(t, server.Listen(config))
	defer server.Close()

	assert.Eventually(t, func() bool {
		resp, err := client.Send(context.Background(), common.ServiceKV, []byte("b"))
		return err == nil && string(resp) == "1:b"
	}, 10*time.Second, 100*time.Millisecond)
}
