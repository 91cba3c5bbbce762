package sequence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/metrics"
	"github.com/flowchartsman/retry"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("sequence")

// RetryConfig bounds the retries of a sequencer.
type RetryConfig struct {
	// MaxAttempts is the number of attempts before giving up (default 10).
	MaxAttempts int
	// InitialDelay is the first backoff delay (default 5ms).
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff (default 250ms).
	MaxDelay time.Duration
}

func (c *RetryConfig) sanitize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = max(250*time.Millisecond, c.InitialDelay)
	}
}

// casSequencer keeps the counter of every domain in one coordinator key and
// increments it with compare-and-swap.
type casSequencer struct {
	coord  coord.ICoordinator
	config RetryConfig
}

// NewCASSequencer creates a sequencer that increments the counter key of a
// domain (coord.SequenceKey) by compare-and-swap against its revision. The
// counter value is never cached: every attempt starts with a fresh read.
func NewCASSequencer(c coord.ICoordinator, config RetryConfig) ISequencer {
	config.sanitize()
	return &casSequencer{coord: c, config: config}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ISequencer)
// --------------------------------------------------------------------------

func (s *casSequencer) Next(ctx context.Context, domain string) (uint64, error) {
	var (
		value    uint64
		attempts int
		lastErr  error
	)

	retrier := retry.NewRetrier(s.config.MaxAttempts, s.config.InitialDelay, s.config.MaxDelay)
	_ = retrier.RunContext(ctx, func(ctx context.Context) error {
		if attempts >= s.config.MaxAttempts {
			return nil
		}
		attempts++
		if attempts > 1 {
			metrics.SequencerRetries.Inc()
		}
		v, err := s.tryIncrement(ctx, domain)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		value, lastErr = v, nil
		return nil
	})

	switch {
	case value != 0:
		return value, nil
	case ctx.Err() != nil:
		return 0, ctx.Err()
	}

	metrics.SequencerFailures.Inc()
	if errors.Is(lastErr, errCasConflict) {
		lastErr = fmt.Errorf("counter contended on every attempt")
	}
	Logger.Warningf("giving up on domain %s after %d attempts: %v", domain, attempts, lastErr)
	return 0, &UnavailableError{Domain: domain, Attempts: attempts, Err: lastErr}
}

func (s *casSequencer) Current(ctx context.Context, domain string) (uint64, error) {
	value, _, err := s.read(ctx, domain)
	if err != nil {
		return 0, &UnavailableError{Domain: domain, Attempts: 1, Err: err}
	}
	return value, nil
}

func (s *casSequencer) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// tryIncrement performs one read and one conditional write.
func (s *casSequencer) tryIncrement(ctx context.Context, domain string) (uint64, error) {
	current, rev, err := s.read(ctx, domain)
	if err != nil {
		return 0, err
	}

	next := current + 1
	ok, err := s.coord.CompareAndSwap(ctx, coord.SequenceKey(domain), rev, []byte(strconv.FormatUint(next, 10)), coord.NoLease)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errCasConflict
	}
	return next, nil
}

func (s *casSequencer) read(ctx context.Context, domain string) (uint64, int64, error) {
	kv, found, err := s.coord.Get(ctx, coord.SequenceKey(domain))
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, nil
	}
	value, err := strconv.ParseUint(string(kv.Value), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("sequence: corrupt counter for domain %q: %w", domain, err)
	}
	return value, kv.Revision, nil
}
