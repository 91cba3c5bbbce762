package sequence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/coord/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var fastRetry = RetryConfig{MaxAttempts: 1000, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond}

// testConcurrentNext checks that concurrent callers receive distinct values
// that are contiguous once sorted.
func testConcurrentNext(t *testing.T, s ISequencer, domain string) {
	const (
		workers = 8
		calls   = 25
	)
	ctx := context.Background()

	start, err := s.Current(ctx, domain)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen []uint64
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < calls; i++ {
				v, err := s.Next(ctx, domain)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen = append(seen, v)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*calls)
	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	for i, v := range seen {
		require.Equal(t, start+uint64(i)+1, v, "values must be distinct and contiguous")
	}

	current, err := s.Current(ctx, domain)
	require.NoError(t, err)
	assert.Equal(t, start+workers*calls, current)
}

func TestCASConcurrentNext(t *testing.T) {
	s := NewCASSequencer(memory.New(), fastRetry)
	testConcurrentNext(t, s, GroupDomain(3))
}

func TestCASDomainsAreIndependent(t *testing.T) {
	s := NewCASSequencer(memory.New(), fastRetry)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		v, err := s.Next(ctx, GroupDomain(0))
		require.NoError(t, err)
		assert.EqualValues(t, i, v)
	}
	v, err := s.Next(ctx, GlobalDomain)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

func TestCASSurvivesRestart(t *testing.T) {
	c := memory.New()
	ctx := context.Background()

	first := NewCASSequencer(c, fastRetry)
	for i := 0; i < 5; i++ {
		_, err := first.Next(ctx, GlobalDomain)
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())

	second := NewCASSequencer(c, fastRetry)
	v, err := second.Next(ctx, GlobalDomain)
	require.NoError(t, err)
	assert.EqualValues(t, 6, v)
}

func TestCASUnavailable(t *testing.T) {
	c := memory.New()
	s := NewCASSequencer(c, RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	ctx := context.Background()

	c.SetUnavailable(true)
	_, err := s.Next(ctx, GlobalDomain)

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, 3, unavailable.Attempts)
	assert.ErrorIs(t, err, coord.ErrUnavailable)

	c.SetUnavailable(false)
	current, err := s.Current(ctx, GlobalDomain)
	require.NoError(t, err)
	assert.Zero(t, current, "failed calls must not consume a value")
}

// conflicting makes every compare-and-swap lose.
type conflicting struct {
	coord.ICoordinator
}

func (conflicting) CompareAndSwap(context.Context, string, int64, []byte, coord.LeaseID) (bool, error) {
	return false, nil
}

func TestCASConflictIsNeverSurfaced(t *testing.T) {
	s := NewCASSequencer(conflicting{memory.New()}, RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	_, err := s.Next(context.Background(), GlobalDomain)
	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.False(t, errors.Is(err, errCasConflict))
}

func TestCASCanceledBeforeSequencing(t *testing.T) {
	c := memory.New()
	s := NewCASSequencer(c, fastRetry)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Next(ctx, GlobalDomain)
	require.ErrorIs(t, err, context.Canceled)

	current, err := s.Current(context.Background(), GlobalDomain)
	require.NoError(t, err)
	assert.Zero(t, current)
}

func TestRedisSequencer(t *testing.T) {
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	s, err := NewRedisSequencer(ctx, endpoint, "dseq:sequence:", fastRetry)
	require.NoError(t, err)
	defer s.Close()

	current, err := s.Current(ctx, GroupDomain(1))
	require.NoError(t, err)
	assert.Zero(t, current)

	testConcurrentNext(t, s, GroupDomain(1))
}
