// Package metrics holds the process wide counters and histograms of a dSeq
// node. All values are registered in the default VictoriaMetrics set and are
// exposed in the prometheus text format by Handler.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

var (
	SequencerRetries  = metrics.NewCounter("dseq_sequencer_retries_total")
	SequencerFailures = metrics.NewCounter("dseq_sequencer_unavailable_total")
	LeaseRefreshes    = metrics.NewCounter("dseq_lease_refreshes_total")
	LeasesLost        = metrics.NewCounter("dseq_leases_lost_total")
)

// Accepted counts writes acknowledged by the leader of a group.
func Accepted(group uint64) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dseq_accepted_total{group="%d"}`, group))
}

// Rejected counts writes rejected before they were sequenced.
func Rejected(group uint64, reason string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dseq_rejected_total{group="%d",reason=%q}`, group, reason))
}

// Applied counts entries appended to the local log (leader and follower).
func Applied(group uint64) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dseq_applied_total{group="%d"}`, group))
}

// Buffered counts out of order entries parked in the reorder buffer.
func Buffered(group uint64) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dseq_buffered_total{group="%d"}`, group))
}

// CatchUps counts catch-up pulls of a follower, snapshot is true for
// snapshot transfers.
func CatchUps(group uint64, snapshot bool) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dseq_catchups_total{group="%d",snapshot="%t"}`, group, snapshot))
}

// Elections counts state transitions of the election state machine.
func Elections(group uint64, state string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dseq_election_transitions_total{group="%d",state=%q}`, group, state))
}

// AcceptDuration tracks the latency of the leader side accept.
func AcceptDuration(group uint64) *metrics.Histogram {
	return metrics.GetOrCreateHistogram(fmt.Sprintf(`dseq_accept_duration_seconds{group="%d"}`, group))
}

// ObserveAccept records the duration since start.
func ObserveAccept(group uint64, start time.Time) {
	AcceptDuration(group).UpdateDuration(start)
}

// HighWater registers a gauge reporting the local high-water mark of a group.
// Registering the same group twice keeps the first callback.
func HighWater(group uint64, fn func() uint64) {
	metrics.GetOrCreateGauge(fmt.Sprintf(`dseq_high_water{group="%d"}`, group), func() float64 {
		return float64(fn())
	})
}

// Handler serves all metrics in the prometheus text format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
}
