package consul

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/coord/coordtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/consul"
	"go.uber.org/atomic"
)

func startConsulAgent(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	consulContainer, err := consul.Run(t.Context(), "hashicorp/consul:1.15")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, consulContainer.Terminate(context.Background()))
	})

	endpoint, err := consulContainer.ApiEndpoint(t.Context())
	require.NoError(t, err)
	return endpoint
}

func TestCoordinator(t *testing.T) {
	endpoint := startConsulAgent(t)
	counter := atomic.NewInt64(0)

	// session invalidation may take up to 2x ttl, the expiry test would take too long
	coordtest.RunCoordinatorTests(t, "Consul", coordtest.Options{LeaseTTL: MinSessionTTL, SkipExpiry: true},
		func(t *testing.T) coord.ICoordinator {
			c, err := New(t.Context(), Config{
				Address:   endpoint,
				Namespace: fmt.Sprintf("test-%d", counter.Inc()),
				WaitTime:  2 * time.Second,
			})
			require.NoError(t, err)
			return c
		})
}

func TestGrantClampsTTL(t *testing.T) {
	endpoint := startConsulAgent(t)
	c, err := New(t.Context(), Config{Address: endpoint})
	require.NoError(t, err)
	defer c.Close()

	id, err := c.Grant(t.Context(), time.Second)
	require.NoError(t, err)

	ttl, err := c.KeepAlive(t.Context(), id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, ttl, MinSessionTTL)
}

func TestDiff(t *testing.T) {
	known := map[string]coord.KeyValue{}

	events := diff(known, []coord.KeyValue{{Key: "a", Revision: 1}, {Key: "b", Revision: 2}})
	require.Len(t, events, 2)
	assert.Equal(t, coord.EventPut, events[0].Type)
	assert.Equal(t, "a", events[0].KV.Key)

	events = diff(known, []coord.KeyValue{{Key: "a", Revision: 1}, {Key: "b", Revision: 3}})
	require.Len(t, events, 1)
	assert.Equal(t, "b", events[0].KV.Key)
	assert.EqualValues(t, 3, events[0].KV.Revision)

	events = diff(known, []coord.KeyValue{{Key: "b", Revision: 3}})
	require.Len(t, events, 1)
	assert.Equal(t, coord.EventDelete, events[0].Type)
	assert.Equal(t, "a", events[0].KV.Key)
	assert.Len(t, known, 1)
}
