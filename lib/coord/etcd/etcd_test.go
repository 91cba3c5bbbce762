package etcd

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/coord/coordtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.etcd.io/etcd/server/v3/embed"
	"go.uber.org/atomic"
)

// startEtcd runs a single node etcd server in a temp dir and returns its
// client url.
func startEtcd(t *testing.T) string {
	t.Helper()

	ports := dynaport.Get(2)
	clientURL := url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", ports[0])}
	peerURL := url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", ports[1])}

	cfg := embed.NewConfig()
	cfg.Name = "test"
	cfg.Dir = t.TempDir()
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	e, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		e.Server.Stop()
		t.Fatal("embedded etcd did not start")
	}
	return clientURL.String()
}

func TestCoordinator(t *testing.T) {
	endpoint := startEtcd(t)
	counter := atomic.NewInt64(0)

	coordtest.RunCoordinatorTests(t, "Etcd", coordtest.Options{LeaseTTL: 2 * time.Second},
		func(t *testing.T) coord.ICoordinator {
			c, err := New(t.Context(), Config{
				Endpoints: []string{endpoint},
				Namespace: fmt.Sprintf("test-%d", counter.Inc()),
			})
			require.NoError(t, err)
			return c
		})
}

func TestNamespaceIsolation(t *testing.T) {
	endpoint := startEtcd(t)
	ctx := context.Background()

	a, err := New(ctx, Config{Endpoints: []string{endpoint}, Namespace: "a"})
	require.NoError(t, err)
	defer a.Close()
	b, err := New(ctx, Config{Endpoints: []string{endpoint}, Namespace: "b/"})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Put(ctx, coord.IDKey, []byte("1"), coord.NoLease))

	_, found, err := b.Get(ctx, coord.IDKey)
	require.NoError(t, err)
	assert.False(t, found)

	kv, found, err := a.Get(ctx, coord.IDKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, coord.IDKey, kv.Key, "keys are returned without the namespace")
}

func TestUnreachable(t *testing.T) {
	port := dynaport.Get(1)[0]
	_, err := New(context.Background(), Config{
		Endpoints:   []string{fmt.Sprintf("127.0.0.1:%d", port)},
		DialTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
}

func TestLeaseIDEncoding(t *testing.T) {
	id, err := decodeLease(encodeLease(0x694d7a1c2b))
	require.NoError(t, err)
	assert.EqualValues(t, 0x694d7a1c2b, id)

	assert.Equal(t, coord.NoLease, encodeLease(0))

	_, err = decodeLease("not-hex")
	assert.Error(t, err)
}
