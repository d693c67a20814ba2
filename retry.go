// SPDX-License-Identifier: Apache-2.0

package batch

import (
	"context"
	"math/rand/v2"
	"time"
)

// A RetryPredicate determines whether a failed chunk should be retried.
//
// It receives the context, the number of attempts so far, and the error
// from the last attempt. It returns true to retry, false to stop.
//
// Predicates are configured per step through [StepConfig.Retry]; all of
// them must agree for a retry to happen.
type RetryPredicate = func(context.Context, int, error) bool

// BackoffOption configures backoff behavior for retry predicates.
type BackoffOption func(*backoffConfig)

type backoffConfig struct {
	fullJitter    bool
	percentJitter float64       // 0 means no percentage jitter
	maxDelay      time.Duration // 0 means no max delay
	multiplier    float64
}

func newBackoffConfig(opts []BackoffOption) backoffConfig {
	cfg := backoffConfig{multiplier: 2.0}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithFullJitter randomizes each backoff delay between 0 and the calculated
// delay.
//
// Cancels out any [WithPercentageJitter] option; the last option wins.
func WithFullJitter() BackoffOption {
	return func(c *backoffConfig) {
		c.fullJitter = true
		c.percentJitter = 0
	}
}

// WithPercentageJitter adds ±percent randomness to each backoff delay.
//
// For example, WithPercentageJitter(0.2) waits between 80% and 120% of the
// calculated delay. Cancels out any [WithFullJitter] option; the last
// option wins.
func WithPercentageJitter(percent float64) BackoffOption {
	return func(c *backoffConfig) {
		c.fullJitter = false
		c.percentJitter = percent
	}
}

// WithMaxDelay caps the backoff delay, after jitter is applied.
func WithMaxDelay(max time.Duration) BackoffOption {
	return func(c *backoffConfig) {
		c.maxDelay = max
	}
}

// WithMultiplier sets the growth rate for [ExponentialBackoff].
//
// The default multiplier is 2.0. Ignored by [FixedBackoff].
func WithMultiplier(m float64) BackoffOption {
	return func(c *backoffConfig) {
		c.multiplier = m
	}
}

// applyJitter applies jitter to a delay based on the configuration.
//
// math/rand/v2 is auto-seeded and is sufficient for desynchronizing retries.
func applyJitter(delay time.Duration, cfg *backoffConfig) time.Duration {
	if delay <= 0 {
		return 0
	}
	if cfg.fullJitter {
		// #nosec G404 -- jitter does not need a cryptographic source
		return time.Duration(rand.Int64N(int64(delay) + 1))
	}
	if cfg.percentJitter > 0 {
		jitterRange := float64(delay) * cfg.percentJitter
		// #nosec G404 -- jitter does not need a cryptographic source
		result := float64(delay) + (rand.Float64()*2*jitterRange - jitterRange)
		if result < 0 {
			return 0
		}
		return time.Duration(result)
	}
	return delay
}

// wait sleeps for delay after jitter and the max delay cap are applied. It
// returns false if ctx is cancelled first.
func (cfg *backoffConfig) wait(ctx context.Context, delay time.Duration) bool {
	delay = applyJitter(delay, cfg)
	if cfg.maxDelay > 0 && delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	return sleep(ctx, delay) == nil
}

// retry calls attempt until it succeeds or a predicate declines to retry,
// returning the last error. onFailure is called after every failed attempt.
//
// Without predicates the attempt runs exactly once.
func retry(
	ctx context.Context,
	predicates []RetryPredicate,
	attempt func() error,
	onFailure func(error),
) error {
	attempts := 0
	for {
		err := attempt()
		if err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(err)
		}
		if len(predicates) == 0 {
			return err
		}
		attempts++
		for _, predicate := range predicates {
			if !predicate(ctx, attempts, err) {
				return err
			}
		}
	}
}

// UpTo limits a chunk to maxAttempts attempts in total.
func UpTo(maxAttempts int) RetryPredicate {
	return func(_ context.Context, attempts int, _ error) bool {
		return attempts < maxAttempts
	}
}

// FixedBackoff waits for a fixed duration before each retry.
//
// If the step's context is cancelled during the wait, the retry is
// abandoned and the chunk fails with its last error.
func FixedBackoff(delay time.Duration, opts ...BackoffOption) RetryPredicate {
	cfg := newBackoffConfig(opts)
	return func(ctx context.Context, _ int, _ error) bool {
		return cfg.wait(ctx, delay)
	}
}

// ExponentialBackoff waits base × multiplier^(N-1) before retry N.
//
// With a base of 100ms and the default multiplier, the delays are 100ms,
// 200ms, 400ms, and so on. Overflowing delays are capped at one hour unless
// [WithMaxDelay] sets a lower cap.
func ExponentialBackoff(base time.Duration, opts ...BackoffOption) RetryPredicate {
	cfg := newBackoffConfig(opts)
	return func(ctx context.Context, attempts int, _ error) bool {
		if attempts < 1 {
			attempts = 1
		}
		delay := base
		for i := 1; i < attempts; i++ {
			delay = time.Duration(float64(delay) * cfg.multiplier)
			if delay <= 0 || delay > time.Hour {
				delay = time.Hour
				break
			}
		}
		return cfg.wait(ctx, delay)
	}
}

// OnlyIf retries only errors for which check returns true.
//
// This is useful for retrying transient sink errors (a locked database, a
// dropped connection) while failing fast on bad records.
//
// Example:
//
//	batch.StepConfig{
//	    Name:      "load",
//	    ChunkSize: 100,
//	    Retry: []batch.RetryPredicate{
//	        batch.OnlyIf(isBusy),
//	        batch.UpTo(5),
//	        batch.ExponentialBackoff(50 * time.Millisecond),
//	    },
//	}
func OnlyIf(check func(error) bool) RetryPredicate {
	return func(_ context.Context, _ int, err error) bool {
		return check(err)
	}
}
