package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dSeq/cmd/util"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:   "perf",
		Short: "Load and ordering test for dSeq deployments",
		Long: `Runs concurrent writers, readers and deleters against the deployment and reports latency percentiles.
Every sequence number returned to a writer is checked: it must be unique across all writers and increase for each writer.`,
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix    = "__perf"
	perfNumThreads   = 10
	perfOpsPerThread = 1000
	perfKeySpread    = 100
	perfValueSize    = 64
	perfSkip         []string
)

var perfPercentiles = []float64{0.5, 0.95, 0.99}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Phases to skip (comma separated, e.g. get,del)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent clients"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("Requests per client and phase"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "value-size"
	perfTestCmd.Flags().Int(key, 64, util.WrapString("Size of the written values (in bytes)"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save the results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfNumThreads = max(1, viper.GetInt("threads"))
	perfOpsPerThread = max(1, viper.GetInt("ops"))
	perfKeySpread = max(1, viper.GetInt("keys"))
	perfValueSize = max(0, viper.GetInt("value-size"))
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// perfResult holds the outcome of one phase
type perfResult struct {
	phase    string
	skipped  bool
	elapsed  time.Duration
	timer    metrics.Timer
	errors   metrics.Counter
	statuses *xsync.MapOf[common.Status, int64]

	// writes only
	duplicates *atomic.Int64
	reordered  *atomic.Int64
}

func newPerfResult(phase string) *perfResult {
	return &perfResult{
		phase:      phase,
		timer:      metrics.NewTimer(),
		errors:     metrics.NewCounter(),
		statuses:   xsync.NewMapOf[common.Status, int64](),
		duplicates: atomic.NewInt64(0),
		reordered:  atomic.NewInt64(0),
	}
}

func runPerf(cmd *cobra.Command, _ []string) error {
	fmt.Println("Load and ordering test for dSeq deployments")

	// Print configuration
	config := util.GetClientConfig()
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d, requests per thread: %d, keys: %d\n", perfNumThreads, perfOpsPerThread, perfKeySpread)
	fmt.Println()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	value := make([]byte, perfValueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	// seq -> writer, shared by the write and delete phases
	seen := xsync.NewMapOf[uint64, int]()

	phases := []struct {
		name string
		req  func(thread, i int) common.Request
	}{
		{"put", func(thread, i int) common.Request {
			return common.NewWriteRequest(perfKey(thread, i), value)
		}},
		{"get", func(thread, i int) common.Request {
			return common.NewReadRequest(perfKey(thread, i))
		}},
		{"del", func(thread, i int) common.Request {
			return common.NewDeleteRequest(perfKey(thread, i))
		}},
	}

	results := make([]*perfResult, 0, len(phases))
	for _, phase := range phases {
		result := newPerfResult(phase.name)
		results = append(results, result)
		if slices.Contains(perfSkip, phase.name) {
			result.skipped = true
			printResult(result)
			continue
		}
		if err := runPhase(ctx, result, phase.req, seen); err != nil {
			return err
		}
		printResult(result)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		if err := writeResultsToCSV(csvPath, results, &config); err != nil {
			return err
		}
		fmt.Printf("results written to %s\n", csvPath)
	}

	for _, r := range results {
		if r.duplicates.Load() > 0 || r.reordered.Load() > 0 {
			return fmt.Errorf("%s: %d duplicate and %d reordered sequence numbers", r.phase, r.duplicates.Load(), r.reordered.Load())
		}
	}
	return nil
}

// runPhase runs perfNumThreads clients issuing perfOpsPerThread requests each.
// Sequences of successful writes and deletes are checked for uniqueness
// across clients and monotonicity per client.
func runPhase(
	ctx context.Context,
	result *perfResult,
	request func(thread, i int) common.Request,
	seen *xsync.MapOf[uint64, int],
) error {
	g, ctx := errgroup.WithContext(ctx)
	start := time.Now()
	for thread := 0; thread < perfNumThreads; thread++ {
		g.Go(func() error {
			var last uint64
			for i := 0; i < perfOpsPerThread; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				req := request(thread, i)
				began := time.Now()
				resp, err := kvClient.Do(ctx, req)
				result.timer.UpdateSince(began)
				if err != nil {
					result.errors.Inc(1)
					continue
				}
				result.statuses.Compute(resp.Status, func(n int64, _ bool) (int64, bool) {
					return n + 1, false
				})
				if resp.Status != common.StatusOk || result.phase == "get" {
					continue
				}
				if prev, loaded := seen.LoadOrStore(resp.Seq, thread); loaded {
					result.duplicates.Inc()
					fmt.Printf("duplicate seq %d (clients %d and %d)\n", resp.Seq, prev, thread)
				}
				if resp.Seq <= last {
					result.reordered.Inc()
				}
				last = resp.Seq
			}
			return nil
		})
	}
	err := g.Wait()
	result.elapsed = time.Since(start)
	return err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func perfKey(thread, i int) string {
	return fmt.Sprintf("%s-%d", perfKeyPrefix, (thread*perfOpsPerThread+i)%perfKeySpread)
}

func (r *perfResult) opsPerSec() float64 {
	if r.elapsed <= 0 {
		return 0
	}
	return float64(r.timer.Count()) / r.elapsed.Seconds()
}

func (r *perfResult) statusCounts() string {
	var parts []string
	r.statuses.Range(func(s common.Status, n int64) bool {
		parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		return true
	})
	slices.Sort(parts)
	return strings.Join(parts, " ")
}

// printResult prints the result of a phase in a formatted way
func printResult(r *perfResult) {
	if r.skipped {
		fmt.Printf("%-6sskipped\n", r.phase)
		return
	}
	ps := r.timer.Percentiles(perfPercentiles)
	fmt.Printf("%-6s%8.0f ops/sec  mean %-10s p50 %-10s p95 %-10s p99 %-10s errors %d  %s\n",
		r.phase,
		r.opsPerSec(),
		time.Duration(r.timer.Mean()),
		time.Duration(ps[0]),
		time.Duration(ps[1]),
		time.Duration(ps[2]),
		r.errors.Count(),
		r.statusCounts(),
	)
	if r.duplicates.Load() > 0 || r.reordered.Load() > 0 {
		fmt.Printf("      duplicate seqs %d, reordered seqs %d\n", r.duplicates.Load(), r.reordered.Load())
	}
}

// writeResultsToCSV writes the phase results to a CSV file
func writeResultsToCSV(csvPath string, results []*perfResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Phase", "Skipped", "Requests", "Errors", "OpsPerSec",
		"MeanNs", "P50Ns", "P95Ns", "P99Ns", "MaxNs",
		"DuplicateSeqs", "ReorderedSeqs", "Statuses",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport", "Threads", "OpsPerThread", "Keys", "ValueSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		ps := r.timer.Percentiles(perfPercentiles)
		row := []string{
			r.phase,
			strconv.FormatBool(r.skipped),
			strconv.FormatInt(r.timer.Count(), 10),
			strconv.FormatInt(r.errors.Count(), 10),
			fmt.Sprintf("%.0f", r.opsPerSec()),
			fmt.Sprintf("%.0f", r.timer.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatInt(r.timer.Max(), 10),
			strconv.FormatInt(r.duplicates.Load(), 10),
			strconv.FormatInt(r.reordered.Load(), 10),
			r.statusCounts(),
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.Itoa(config.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfOpsPerThread),
			strconv.Itoa(perfKeySpread),
			strconv.Itoa(perfValueSize),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for phase %s: %v", r.phase, err)
		}
	}

	return nil
}
