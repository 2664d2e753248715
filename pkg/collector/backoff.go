package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/metrics"
)

// ErrThrottled marks an error as upstream throttling: retryable with
// backoff rather than a terminal shard failure.
var ErrThrottled = errors.New("collector: upstream throttled")

// Throttled wraps err as an ErrThrottled, optionally carrying a
// server-provided retry-after hint honored verbatim on the next wait.
func Throttled(err error, retryAfter time.Duration) error {
	return &throttledError{err: err, retryAfter: retryAfter}
}

type throttledError struct {
	err        error
	retryAfter time.Duration
}

func (t *throttledError) Error() string { return fmt.Sprintf("%v: %v", ErrThrottled, t.err) }
func (t *throttledError) Unwrap() error { return ErrThrottled }

// withBackoff retries fn while it returns an ErrThrottled error, honoring
// any retry-after hint and otherwise backing off exponentially with full
// jitter, up to cfg.MaxBackoffAttempts. driverLabel feeds the
// hco_backoff_triggered_total metric.
func withBackoff(ctx context.Context, cfg config.CollectorConfig, driverLabel string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxBackoffAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var te *throttledError
		if !errors.As(err, &te) {
			return err
		}
		lastErr = err
		if attempt == cfg.MaxBackoffAttempts {
			break
		}

		metrics.BackoffTriggeredTotal.WithLabelValues(driverLabel).Inc()

		wait := te.retryAfter
		if wait <= 0 {
			wait = jitteredDelay(cfg, attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("collector: %s exhausted backoff after %d attempts: %w", driverLabel, cfg.MaxBackoffAttempts+1, lastErr)
}

// jitteredDelay computes a full-jitter exponential backoff delay: a
// uniform random draw between 0 and the deterministic exponential cap,
// which spreads out retries from many concurrently-throttled shards.
func jitteredDelay(cfg config.CollectorConfig, attempt int) time.Duration {
	capMs := float64(cfg.BackoffInitialMs) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if capMs > float64(cfg.BackoffMaxMs) {
		capMs = float64(cfg.BackoffMaxMs)
	}
	delayMs := rand.Float64() * capMs
	return time.Duration(delayMs) * time.Millisecond
}
