package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/metrics"
	"github.com/flowchartsman/retry"
	"github.com/redis/go-redis/v9"
)

// redisSequencer delegates the counter to a redis INCR, which is atomic on
// the server and therefore never conflicts.
type redisSequencer struct {
	client *redis.Client
	prefix string
	config RetryConfig
}

// NewRedisSequencer creates a sequencer backed by a standalone redis counter
// service. Keys are stored as <prefix><domain>. The connection is checked with
// a PING.
func NewRedisSequencer(ctx context.Context, addr, prefix string, config RetryConfig) (ISequencer, error) {
	config.sanitize()
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("sequence: redis at %s not reachable: %w", addr, err), client.Close())
	}
	return &redisSequencer{client: client, prefix: prefix, config: config}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see ISequencer)
// --------------------------------------------------------------------------

func (s *redisSequencer) Next(ctx context.Context, domain string) (uint64, error) {
	var (
		value    int64
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
		v, err := s.client.Incr(ctx, s.prefix+domain).Result()
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
	case value > 0:
		return uint64(value), nil
	case ctx.Err() != nil:
		return 0, ctx.Err()
	}

	metrics.SequencerFailures.Inc()
	Logger.Warningf("giving up on domain %s after %d attempts: %v", domain, attempts, lastErr)
	return 0, &UnavailableError{Domain: domain, Attempts: attempts, Err: lastErr}
}

func (s *redisSequencer) Current(ctx context.Context, domain string) (uint64, error) {
	value, err := s.client.Get(ctx, s.prefix+domain).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, &UnavailableError{Domain: domain, Attempts: 1, Err: err}
	}
	return value, nil
}

func (s *redisSequencer) Close() error {
	return s.client.Close()
}
