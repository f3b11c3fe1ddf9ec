package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/peerwatch/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestScheduler(t *testing.T, workers int, opts ...Option) *Scheduler {
	t.Helper()
	s := New(config.SchedulerConfig{Workers: workers, ShutdownTimeout: 5 * time.Second}, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSpawnRunsTasks(t *testing.T) {
	s := newTestScheduler(t, 2)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Spawn("count", func(ctx context.Context, y *Yield) error {
			count.Add(1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	assert.Equal(t, int32(10), count.Load())
	stats := s.Stats()
	assert.Equal(t, int64(10), stats.Spawned)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Equal(t, int64(0), stats.Running)
	assert.Equal(t, float64(10), testutil.ToFloat64(s.metrics.finished.WithLabelValues("completed")))
}

func TestSlotsBoundConcurrency(t *testing.T) {
	s := newTestScheduler(t, 2)

	var current, peak atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Spawn("busy", func(ctx context.Context, y *Yield) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			// Holds the slot: a plain sleep is not a suspension point.
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestSleepReleasesSlot(t *testing.T) {
	mock := clock.NewMock()
	s := newTestScheduler(t, 1, WithClock(mock))

	sleeping := make(chan struct{})
	woke := make(chan struct{})
	require.NoError(t, s.Spawn("sleeper", func(ctx context.Context, y *Yield) error {
		close(sleeping)
		if err := y.Sleep(ctx, time.Second); err != nil {
			return err
		}
		close(woke)
		return nil
	}))
	waitFor(t, sleeping, "sleeper to start")

	ran := make(chan struct{})
	require.NoError(t, s.Spawn("other", func(ctx context.Context, y *Yield) error {
		close(ran)
		return nil
	}))
	waitFor(t, ran, "second task to run while the first sleeps")

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case <-woke:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBlockReleasesSlot(t *testing.T) {
	s := newTestScheduler(t, 1)

	release := make(chan struct{})
	blocked := make(chan struct{})
	require.NoError(t, s.Spawn("blocker", func(ctx context.Context, y *Yield) error {
		return y.Block(ctx, func() error {
			close(blocked)
			<-release
			return nil
		})
	}))
	waitFor(t, blocked, "blocker to block")

	ran := make(chan struct{})
	require.NoError(t, s.Spawn("other", func(ctx context.Context, y *Yield) error {
		close(ran)
		return nil
	}))
	waitFor(t, ran, "second task to run while the first blocks")
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int64(2), s.Stats().Completed)
}

// Only the task's own Yield gives its slot away. A goroutine started by the
// task shares its context but blocking there must not admit another task.
func TestTaskGoroutineCannotReleaseSlot(t *testing.T) {
	s := newTestScheduler(t, 1)

	release := make(chan struct{})
	childBlocked := make(chan struct{})
	childDone := make(chan struct{})
	require.NoError(t, s.Spawn("owner", func(ctx context.Context, y *Yield) error {
		go func() {
			defer close(childDone)
			_ = s.Block(ctx, func() error {
				close(childBlocked)
				<-release
				return nil
			})
		}()
		// Runnable work: the slot stays held.
		<-release
		return nil
	}))
	waitFor(t, childBlocked, "child goroutine to block")

	ran := make(chan struct{})
	require.NoError(t, s.Spawn("other", func(ctx context.Context, y *Yield) error {
		close(ran)
		return nil
	}))
	select {
	case <-ran:
		t.Fatal("second task ran while the owner still held the only slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitFor(t, ran, "second task to run after the owner finished")
	waitFor(t, childDone, "child goroutine to finish")
}

func TestNestedBlockRunsDirectly(t *testing.T) {
	s := newTestScheduler(t, 1)

	var depth atomic.Int32
	require.NoError(t, s.Spawn("nested", func(ctx context.Context, y *Yield) error {
		return y.Block(ctx, func() error {
			depth.Add(1)
			return y.Block(ctx, func() error {
				depth.Add(1)
				return y.Sleep(ctx, time.Millisecond)
			})
		})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(2), depth.Load())
	assert.Equal(t, int64(1), s.Stats().Completed)

	// The slot came back exactly once: two tasks still cannot run together.
	var current, peak atomic.Int32
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Spawn("busy", func(ctx context.Context, y *Yield) error {
			n := current.Add(1)
			for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
			return nil
		}))
	}
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, int32(1), peak.Load())
}

func TestSleepOutsideTask(t *testing.T) {
	s := newTestScheduler(t, 1)
	start := time.Now()
	require.NoError(t, s.Sleep(context.Background(), 10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sleep(ctx, time.Hour), context.Canceled)
}

func TestFailuresTerminateOnlyTheirTask(t *testing.T) {
	var mu sync.Mutex
	failures := map[string]error{}
	s := newTestScheduler(t, 2, WithFailureHandler(func(name string, err error) {
		mu.Lock()
		failures[name] = err
		mu.Unlock()
	}))

	boom := errors.New("boom")
	require.NoError(t, s.Spawn("fails", func(ctx context.Context, y *Yield) error { return boom }))
	require.NoError(t, s.Spawn("panics", func(ctx context.Context, y *Yield) error { panic("kaboom") }))
	require.NoError(t, s.Spawn("fine", func(ctx context.Context, y *Yield) error { return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Panicked)
	assert.Equal(t, int64(1), stats.Completed)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, failures["fails"], boom)
	var panicErr *TaskPanicError
	require.ErrorAs(t, failures["panics"], &panicErr)
	assert.Equal(t, "panics", panicErr.Task)
	assert.Equal(t, "kaboom", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)
	assert.NotContains(t, failures, "fine")
}

func TestShutdownCancelsSuspendedTasks(t *testing.T) {
	s := New(config.SchedulerConfig{Workers: 1}, zaptest.NewLogger(t))

	started := make(chan struct{})
	require.NoError(t, s.Spawn("forever", func(ctx context.Context, y *Yield) error {
		close(started)
		return y.Sleep(ctx, time.Hour)
	}))
	waitFor(t, started, "task to start")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, int64(1), s.Stats().Cancelled)
	assert.ErrorIs(t, s.Spawn("late", func(context.Context, *Yield) error { return nil }), ErrStopped)
	assert.NoError(t, s.Shutdown(ctx), "second shutdown is a no-op")
}

func TestShutdownTimesOut(t *testing.T) {
	s := New(config.SchedulerConfig{Workers: 1}, zaptest.NewLogger(t))

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Spawn("stubborn", func(ctx context.Context, y *Yield) error {
		close(started)
		<-release
		return nil
	}))
	waitFor(t, started, "task to start")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, s.Wait(waitCtx))
}
