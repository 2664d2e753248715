package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hco/pkg/config"
)

func TestWithBackoffRetriesThrottledThenSucceeds(t *testing.T) {
	cfg := config.CollectorConfig{BackoffInitialMs: 1, BackoffMaxMs: 2, BackoffMultiplier: 2, MaxBackoffAttempts: 3}
	attempts := 0

	err := withBackoff(context.Background(), cfg, "test", func() error {
		attempts++
		if attempts < 2 {
			return Throttled(errors.New("429"), time.Millisecond)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestWithBackoffReturnsNonThrottledErrorImmediately(t *testing.T) {
	cfg := config.CollectorConfig{BackoffInitialMs: 1, BackoffMaxMs: 2, BackoffMultiplier: 2, MaxBackoffAttempts: 3}
	attempts := 0
	boom := errors.New("boom")

	err := withBackoff(context.Background(), cfg, "test", func() error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestWithBackoffExhaustsAttempts(t *testing.T) {
	cfg := config.CollectorConfig{BackoffInitialMs: 1, BackoffMaxMs: 2, BackoffMultiplier: 2, MaxBackoffAttempts: 2}
	attempts := 0

	err := withBackoff(context.Background(), cfg, "test", func() error {
		attempts++
		return Throttled(errors.New("429"), time.Millisecond)
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + MaxBackoffAttempts retries
}
