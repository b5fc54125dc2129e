package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
	"github.com/anstrom/portscope/internal/metrics"
	"github.com/anstrom/portscope/internal/metrics/mocks"
)

// MockJob implements the Job interface for testing
type MockJob struct {
	id       string
	jobType  string
	duration time.Duration
	err      error
	executed int32
	skipped  int32
}

func NewMockJob(id, jobType string, duration time.Duration, err error) *MockJob {
	return &MockJob{
		id:       id,
		jobType:  jobType,
		duration: duration,
		err:      err,
	}
}

func (m *MockJob) Execute(ctx context.Context) error {
	atomic.AddInt32(&m.executed, 1)
	if m.duration > 0 {
		select {
		case <-time.After(m.duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func (m *MockJob) ID() string   { return m.id }
func (m *MockJob) Type() string { return m.jobType }
func (m *MockJob) Skip(error)   { atomic.AddInt32(&m.skipped, 1) }

func (m *MockJob) ExecutedCount() int32 { return atomic.LoadInt32(&m.executed) }
func (m *MockJob) SkippedCount() int32  { return atomic.LoadInt32(&m.skipped) }

func newTestPool(config Config) *Pool {
	return New(config, WithMetrics(metrics.NewRegistry()), WithLogger(logging.Discard()))
}

func TestNewPool(t *testing.T) {
	t.Run("creates pool with valid configuration", func(t *testing.T) {
		pool := newTestPool(Config{Size: 5, QueueSize: 100, Rate: 10})
		assert.Equal(t, 5, pool.config.Size)
		assert.Equal(t, 100, cap(pool.jobs))
		assert.Equal(t, 1, pool.config.Burst, "burst defaults to 1 when rate is set")
		require.NoError(t, pool.Shutdown())
	})

	t.Run("creates pool with default values", func(t *testing.T) {
		pool := newTestPool(Config{})
		assert.Equal(t, DefaultConfig().Size, pool.config.Size)
		assert.NotNil(t, pool.ctx)
		require.NoError(t, pool.Shutdown())
	})
}

func TestPoolLifecycle(t *testing.T) {
	t.Run("start and shutdown pool successfully", func(t *testing.T) {
		pool := newTestPool(Config{Size: 2, QueueSize: 10, ShutdownTimeout: 2 * time.Second})
		pool.Start(context.Background())

		job := NewMockJob("test-1", "test", 10*time.Millisecond, nil)
		require.NoError(t, pool.Submit(context.Background(), job))
		require.NoError(t, pool.Shutdown())

		assert.Equal(t, int32(1), job.ExecutedCount(), "shutdown drains queued jobs")
		assert.Equal(t, int64(1), pool.Dispatched())
	})

	t.Run("handles multiple start and shutdown calls", func(t *testing.T) {
		pool := newTestPool(Config{Size: 1, QueueSize: 1, ShutdownTimeout: time.Second})
		pool.Start(context.Background())
		pool.Start(context.Background())
		assert.NoError(t, pool.Shutdown())
		assert.NoError(t, pool.Shutdown())
		pool.Wait()
	})

	t.Run("rejects submissions after shutdown", func(t *testing.T) {
		pool := newTestPool(Config{Size: 1, QueueSize: 1})
		pool.Start(context.Background())
		require.NoError(t, pool.Shutdown())

		err := pool.Submit(context.Background(), NewMockJob("late", "test", 0, nil))
		assert.ErrorIs(t, err, ErrPoolClosed)
		assert.ErrorIs(t, pool.TrySubmit(NewMockJob("late", "test", 0, nil)), ErrPoolClosed)
	})
}

func TestSubmitBlocksUntilQueueHasRoom(t *testing.T) {
	pool := newTestPool(Config{Size: 1, QueueSize: 0})
	release := make(chan struct{})
	blocker := NewFuncJob("blocker", "test", func(context.Context) error {
		<-release
		return nil
	}, nil)

	// Not started: the unbuffered queue has no receiver.
	assert.Error(t, pool.TrySubmit(blocker))

	pool.Start(context.Background())
	require.NoError(t, pool.Submit(context.Background(), blocker))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, NewMockJob("waiting", "test", 0, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, pool.Shutdown())
}

func TestConcurrentJobProcessing(t *testing.T) {
	pool := newTestPool(Config{Size: 5, QueueSize: 50, ShutdownTimeout: 3 * time.Second})
	pool.Start(context.Background())

	const numJobs = 20
	jobs := make([]*MockJob, numJobs)
	start := time.Now()
	for i := 0; i < numJobs; i++ {
		jobs[i] = NewMockJob(fmt.Sprintf("concurrent-job-%d", i), "concurrent", 50*time.Millisecond, nil)
		require.NoError(t, pool.Submit(context.Background(), jobs[i]))
	}
	require.NoError(t, pool.Shutdown())

	// 20 jobs of 50ms on 5 workers run in about four rounds.
	assert.Less(t, time.Since(start), 600*time.Millisecond)
	for i, job := range jobs {
		assert.Equal(t, int32(1), job.ExecutedCount(), "Job %d should be executed", i)
	}
}

func TestRetries(t *testing.T) {
	pool := newTestPool(Config{Size: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond})
	pool.Start(context.Background())

	retryable := NewMockJob("reset", "test", 0,
		scanerrors.NewScanError(scanerrors.CodeConnectionReset, "connection reset"))
	permanent := NewMockJob("invalid", "test", 0, errors.New("bad input"))
	require.NoError(t, pool.Submit(context.Background(), retryable))
	require.NoError(t, pool.Submit(context.Background(), permanent))
	require.NoError(t, pool.Shutdown())

	assert.Equal(t, int32(3), retryable.ExecutedCount(), "retryable errors are retried MaxRetries times")
	assert.Equal(t, int32(1), permanent.ExecutedCount(), "other errors are not retried")
}

func TestRateLimit(t *testing.T) {
	pool := newTestPool(Config{Size: 4, QueueSize: 10, Rate: 50, Burst: 1})
	pool.Start(context.Background())

	start := time.Now()
	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(context.Background(), NewMockJob(fmt.Sprint(i), "test", 0, nil)))
	}
	require.NoError(t, pool.Shutdown())

	// one token every 20ms; the first is available immediately
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, int64(6), pool.Dispatched())
}

func TestReserveSharesRateLimit(t *testing.T) {
	pool := newTestPool(Config{Size: 2, QueueSize: 10, Rate: 50, Burst: 1})
	pool.Start(context.Background())

	// each job takes three more tokens on top of its own dispatch token
	start := time.Now()
	for i := 0; i < 3; i++ {
		job := NewFuncJob(fmt.Sprint(i), "probe", func(ctx context.Context) error {
			return pool.Reserve(ctx, 3)
		}, nil)
		require.NoError(t, pool.Submit(context.Background(), job))
	}
	require.NoError(t, pool.Shutdown())

	// 12 tokens at 50/s with a burst of one
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int64(3), pool.Dispatched())
	assert.Equal(t, int64(9), pool.Reserved())
}

func TestReserveStopsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := newTestPool(Config{Size: 1, QueueSize: 1, Rate: 1, Burst: 1})
	pool.Start(ctx)
	cancel()

	err := pool.Reserve(context.Background(), 5)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, pool.Reserved())
	require.NoError(t, pool.Shutdown())
}

func TestCancellationStopsDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := newTestPool(Config{Size: 1, QueueSize: 100})

	const total, cancelAt = 50, 10
	var executed atomic.Int32
	var skipped atomic.Int32
	var finishedAfterCancel atomic.Bool

	for i := 0; i < total; i++ {
		job := NewFuncJob(fmt.Sprintf("job-%d", i), "probe", func(jobCtx context.Context) error {
			if executed.Add(1) == cancelAt {
				cancel()
				// a dispatched job keeps running after cancellation
				time.Sleep(5 * time.Millisecond)
				finishedAfterCancel.Store(jobCtx.Err() == nil)
			}
			return nil
		}, func(error) { skipped.Add(1) })
		require.NoError(t, pool.Submit(context.Background(), job))
	}
	pool.Start(ctx)
	require.NoError(t, pool.Shutdown())

	assert.Equal(t, int32(cancelAt), executed.Load(), "no dispatch after cancellation")
	assert.Equal(t, int32(total-cancelAt), skipped.Load())
	assert.Equal(t, int64(total-cancelAt), pool.Skipped())
	assert.True(t, finishedAfterCancel.Load(), "job context is not cancelled by the pool")

	err := pool.Submit(context.Background(), NewMockJob("late", "probe", 0, nil))
	assert.Error(t, err)
}

func TestResultCollection(t *testing.T) {
	pool := newTestPool(Config{Size: 2, QueueSize: 5})
	pool.Start(context.Background())

	var mu sync.Mutex
	got := map[string]Result{}
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range pool.Results() {
			mu.Lock()
			got[r.JobID] = r
			mu.Unlock()
		}
	}()

	require.NoError(t, pool.Submit(context.Background(), NewMockJob("ok", "test", 0, nil)))
	require.NoError(t, pool.Submit(context.Background(), NewMockJob("fail", "test", 0, errors.New("boom"))))
	require.NoError(t, pool.Shutdown())
	<-collected

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, got, "ok")
	require.Contains(t, got, "fail")
	assert.NoError(t, got["ok"].Error)
	assert.EqualError(t, got["fail"].Error, "boom")
}

func TestPoolMetrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	registry := mocks.NewMockMetricsRegistry(ctrl)

	registry.EXPECT().Gauge(metrics.MetricWorkerPoolSize, float64(2), gomock.Any()).Times(1)
	registry.EXPECT().Counter(metrics.MetricJobsSubmitted, metrics.Labels{metrics.LabelJobType: "probe"}).Times(3)
	registry.EXPECT().Counter(metrics.MetricJobsCompleted, metrics.Labels{
		metrics.LabelJobType: "probe", metrics.LabelStatus: "success",
	}).Times(3)
	registry.EXPECT().Histogram(metrics.MetricJobDuration, gomock.Any(), gomock.Any()).Times(3)

	pool := New(Config{Size: 2, QueueSize: 5}, WithMetrics(registry), WithLogger(logging.Discard()))
	pool.Start(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Submit(context.Background(), NewMockJob(fmt.Sprint(i), "probe", 0, nil)))
	}
	require.NoError(t, pool.Shutdown())
}
