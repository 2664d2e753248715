package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hco/pkg/config"
	"github.com/cuemby/hco/pkg/store"
	"github.com/cuemby/hco/pkg/types"
)

// fakeStore is a hand-rolled in-memory ShardStore used in place of a real
// MetadataStore, grounded on the table-driven fakes cuemby-warren's
// scheduler tests build over its storage interface.
type fakeStore struct {
	claimShard   *types.Shard
	claimErr     error
	extendErr    error
	releaseErr   error
	completeErr  error
	retryRetried bool
	retryErr     error
	reapCount    int64
	reapErr      error

	claimCalls int
}

func (f *fakeStore) ClaimNextShard(ctx context.Context, workerID string, leaseDuration time.Duration) (*types.Shard, error) {
	f.claimCalls++
	return f.claimShard, f.claimErr
}

func (f *fakeStore) ExtendLease(ctx context.Context, shardID int64, leaseToken string, leaseDuration time.Duration) error {
	return f.extendErr
}

func (f *fakeStore) ReleaseShard(ctx context.Context, shardID int64, leaseToken string) error {
	return f.releaseErr
}

func (f *fakeStore) CompleteShard(ctx context.Context, shardID int64, leaseToken string) error {
	return f.completeErr
}

func (f *fakeStore) RetryShard(ctx context.Context, shardID int64, leaseToken string, lastErr string) (bool, error) {
	return f.retryRetried, f.retryErr
}

func (f *fakeStore) ReapExpiredLeases(ctx context.Context) (int64, error) {
	return f.reapCount, f.reapErr
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		LeaseDurationSeconds: 300,
		ReapIntervalSeconds:  60,
	}
}

func TestClaimNextReturnsShard(t *testing.T) {
	fs := &fakeStore{claimShard: &types.Shard{ID: 42}}
	sch := New(fs, testConfig())

	shard, err := sch.ClaimNext(context.Background(), "worker-1")
	assert.NoError(t, err)
	assert.NotNil(t, shard)
	assert.Equal(t, int64(42), shard.ID)
	assert.Equal(t, 1, fs.claimCalls)
}

func TestClaimNextReturnsNilWhenEmpty(t *testing.T) {
	fs := &fakeStore{claimShard: nil}
	sch := New(fs, testConfig())

	shard, err := sch.ClaimNext(context.Background(), "worker-1")
	assert.NoError(t, err)
	assert.Nil(t, shard)
}

func TestClaimNextPropagatesError(t *testing.T) {
	fs := &fakeStore{claimErr: errors.New("db down")}
	sch := New(fs, testConfig())

	_, err := sch.ClaimNext(context.Background(), "worker-1")
	assert.Error(t, err)
}

func TestExtendTranslatesLeaseMismatch(t *testing.T) {
	fs := &fakeStore{extendErr: store.ErrLeaseMismatch}
	sch := New(fs, testConfig())

	err := sch.Extend(context.Background(), 1, "tok")
	assert.ErrorIs(t, err, ErrStaleLease)
}

func TestExtendSucceeds(t *testing.T) {
	fs := &fakeStore{}
	sch := New(fs, testConfig())

	err := sch.Extend(context.Background(), 1, "tok")
	assert.NoError(t, err)
}

func TestHeartbeatIntervalIsOneThirdOfLease(t *testing.T) {
	sch := New(&fakeStore{}, testConfig())
	assert.Equal(t, 100*time.Second, sch.HeartbeatInterval())
}

func TestReleaseTranslatesLeaseMismatch(t *testing.T) {
	fs := &fakeStore{releaseErr: store.ErrLeaseMismatch}
	sch := New(fs, testConfig())

	err := sch.Release(context.Background(), 1, "tok")
	assert.ErrorIs(t, err, ErrStaleLease)
}

func TestCompleteTranslatesLeaseMismatch(t *testing.T) {
	fs := &fakeStore{completeErr: store.ErrLeaseMismatch}
	sch := New(fs, testConfig())

	err := sch.Complete(context.Background(), 1, "tok")
	assert.ErrorIs(t, err, ErrStaleLease)
}

func TestRetryReportsRetried(t *testing.T) {
	fs := &fakeStore{retryRetried: true}
	sch := New(fs, testConfig())

	retried, err := sch.Retry(context.Background(), 1, "tok", "boom")
	assert.NoError(t, err)
	assert.True(t, retried)
}

func TestRetryReportsExhausted(t *testing.T) {
	fs := &fakeStore{retryRetried: false}
	sch := New(fs, testConfig())

	retried, err := sch.Retry(context.Background(), 1, "tok", "boom")
	assert.NoError(t, err)
	assert.False(t, retried)
}

func TestRetryTranslatesLeaseMismatch(t *testing.T) {
	fs := &fakeStore{retryErr: store.ErrLeaseMismatch}
	sch := New(fs, testConfig())

	_, err := sch.Retry(context.Background(), 1, "tok", "boom")
	assert.ErrorIs(t, err, ErrStaleLease)
}

func TestReapExpiredReturnsCount(t *testing.T) {
	fs := &fakeStore{reapCount: 3}
	sch := New(fs, testConfig())

	n, err := sch.ReapExpired(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStartStopDoesNotPanic(t *testing.T) {
	fs := &fakeStore{}
	sch := New(fs, testConfig())
	sch.Start()
	sch.Stop()
}
