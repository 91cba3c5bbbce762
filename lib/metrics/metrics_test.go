package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesMetrics(t *testing.T) {
	Accepted(7).Inc()
	Rejected(7, "not_leader").Inc()
	ObserveAccept(7, time.Now().Add(-time.Millisecond))
	HighWater(7, func() uint64 { return 42 })

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `dseq_accepted_total{group="7"} 1`)
	assert.Contains(t, out, `dseq_rejected_total{group="7",reason="not_leader"} 1`)
	assert.Contains(t, out, `dseq_high_water{group="7"} 42`)
	assert.Contains(t, out, `dseq_accept_duration_seconds_bucket{group="7"`)
}
