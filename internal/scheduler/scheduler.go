// Package scheduler runs logical tasks over a small number of execution slots.
// A task holds a slot only while it is runnable. Sleep and Block on the task's
// Yield release it, so a task waiting on a timer or on I/O never starves the
// others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/peerwatch/internal/config"
)

// ErrStopped is returned by Spawn after Shutdown has started.
var ErrStopped = errors.New("scheduler stopped")

// Task is a unit of work. The context is cancelled when the scheduler shuts
// down. y is the task's claim on its slot and belongs to the task's goroutine.
type Task func(ctx context.Context, y *Yield) error

// Suspender suspends the caller for a while. *Scheduler suspends without
// touching any slot; *Yield also gives its task's slot back for the duration.
type Suspender interface {
	Sleep(ctx context.Context, d time.Duration) error
	Block(ctx context.Context, fn func() error) error
	Clock() clock.Clock
}

// TaskPanicError wraps a panic recovered from a task.
type TaskPanicError struct {
	Task  string
	Value interface{}
	Stack []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task %q panicked: %v", e.Task, e.Value)
}

// Stats is a point-in-time view of scheduler activity.
type Stats struct {
	Spawned   int64
	Running   int64
	Completed int64
	Failed    int64
	Panicked  int64
	Cancelled int64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock used by Sleep.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithFailureHandler is called, from the failing task's goroutine, for every
// task that returns an error or panics.
func WithFailureHandler(fn func(name string, err error)) Option {
	return func(s *Scheduler) { s.onFailure = fn }
}

// Scheduler multiplexes tasks over a fixed number of execution slots.
type Scheduler struct {
	cfg       config.SchedulerConfig
	logger    *zap.Logger
	clock     clock.Clock
	slots     *semaphore.Weighted
	onFailure func(name string, err error)
	metrics   *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// stateLock orders Spawn's wg.Add against Shutdown's wg.Wait.
	stateLock sync.RWMutex
	stopped   bool

	spawned, running, completed, failed, panicked, cancelled atomic.Int64
}

// New creates a scheduler and starts accepting tasks.
func New(cfg config.SchedulerConfig, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		logger:  logger.Named("scheduler"),
		clock:   clock.New(),
		slots:   semaphore.NewWeighted(int64(workers)),
		metrics: newMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("Scheduler started.", zap.Int("workers", workers))
	return s
}

// Clock returns the clock used for suspension.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Spawn schedules task for execution and returns immediately. There is no
// ordering guarantee between spawned tasks.
func (s *Scheduler) Spawn(name string, task Task) error {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	s.wg.Add(1)
	s.spawned.Add(1)
	s.metrics.spawned.Inc()
	go s.run(name, task)
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("task", name))

	if err := s.slots.Acquire(s.ctx, 1); err != nil {
		s.cancelled.Add(1)
		s.metrics.outcome("cancelled")
		logger.Debug("Task cancelled before it started.")
		return
	}
	y := &Yield{sched: s}
	y.held.Store(true)
	defer y.release()

	s.running.Add(1)
	s.metrics.running.Inc()
	defer func() {
		s.running.Add(-1)
		s.metrics.running.Dec()
	}()

	err := s.invoke(s.ctx, name, task, y)

	var panicErr *TaskPanicError
	switch {
	case err == nil:
		s.completed.Add(1)
		s.metrics.outcome("completed")
	case errors.As(err, &panicErr):
		s.panicked.Add(1)
		s.metrics.outcome("panicked")
		logger.Error("Task panicked; terminating it.", zap.Any("panic", panicErr.Value), zap.ByteString("stack", panicErr.Stack))
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		s.cancelled.Add(1)
		s.metrics.outcome("cancelled")
		logger.Debug("Task stopped by shutdown.")
		return
	default:
		s.failed.Add(1)
		s.metrics.outcome("failed")
		logger.Warn("Task failed.", zap.Error(err))
	}

	if err != nil && s.onFailure != nil {
		s.onFailure(name, err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, name string, task Task, y *Yield) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskPanicError{Task: name, Value: r, Stack: debug.Stack()}
		}
	}()
	return task(ctx, y)
}

// Sleep waits for at least d on the scheduler's clock. It holds no slot; tasks
// use their Yield instead.
func (s *Scheduler) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := s.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Block runs fn. It exists so that code shared between tasks and plain
// goroutines can take a Suspender.
func (s *Scheduler) Block(_ context.Context, fn func() error) error {
	return fn()
}

// Wait blocks until every spawned task has returned or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks, cancels running ones and waits for them.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stateLock.Lock()
	if s.stopped {
		s.stateLock.Unlock()
		return s.Wait(ctx)
	}
	s.stopped = true
	s.stateLock.Unlock()

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	s.logger.Debug("Stopping scheduler.")
	s.cancel()
	if err := s.Wait(ctx); err != nil {
		s.logger.Warn("Timeout waiting for tasks to stop.", zap.Int64("running", s.running.Load()))
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	s.logger.Debug("Scheduler stopped.", zap.Any("stats", s.Stats()))
	return nil
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Spawned:   s.spawned.Load(),
		Running:   s.running.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Panicked:  s.panicked.Load(),
		Cancelled: s.cancelled.Load(),
	}
}

// Yield is a running task's claim on its execution slot. It is handed to the
// task and must only be used from the task's own goroutine; goroutines the task
// starts suspend through the Scheduler, which never releases a slot.
type Yield struct {
	sched *Scheduler
	held  atomic.Bool
}

// Clock returns the scheduler's clock.
func (y *Yield) Clock() clock.Clock {
	return y.sched.clock
}

// Sleep suspends the task for at least d with its slot released.
func (y *Yield) Sleep(ctx context.Context, d time.Duration) error {
	return y.Block(ctx, func() error {
		return y.sched.Sleep(ctx, d)
	})
}

// Block runs fn, a call expected to wait on something outside the scheduler,
// with the task's slot released. Nested calls run fn directly.
func (y *Yield) Block(ctx context.Context, fn func() error) error {
	if !y.release() {
		return fn()
	}

	err := fn()

	if aerr := y.sched.slots.Acquire(ctx, 1); aerr != nil {
		if err != nil {
			return err
		}
		return aerr
	}
	y.held.Store(true)
	return err
}

// release gives the slot back if it is held and reports whether it did.
func (y *Yield) release() bool {
	if y.held.CompareAndSwap(true, false) {
		y.sched.slots.Release(1)
		return true
	}
	return false
}
