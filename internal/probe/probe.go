// Package probe implements the bounded waits used by scenarios. A timeout is
// soft: the wait reports false and the caller's assertion fails against
// whatever state it finds.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/xkilldash9x/peerwatch/internal/config"
	"github.com/xkilldash9x/peerwatch/internal/scheduler"
)

var errTimeout = errors.New("probe: timed out")

// Policy bounds a polling loop.
type Policy struct {
	Interval time.Duration
	Attempts int
}

// PolicyFromConfig builds a Policy from the probe section of the configuration.
func PolicyFromConfig(cfg config.ProbeConfig) Policy {
	return Policy{Interval: cfg.Interval, Attempts: cfg.Attempts}
}

// Budget is the longest time a poll with this policy sleeps.
func (p Policy) Budget() time.Duration {
	return time.Duration(p.Attempts) * p.Interval
}

// Poll checks cond, sleeping Interval between checks, at most Attempts times.
// Given a task's Yield it lets other tasks run while sleeping. It reports the
// final value of cond.
func Poll(ctx context.Context, sched scheduler.Suspender, cond func() bool, p Policy) bool {
	for i := 0; i < p.Attempts; i++ {
		if cond() {
			return true
		}
		if err := sched.Sleep(ctx, p.Interval); err != nil {
			break
		}
	}
	return cond()
}

// Await waits until ch is closed, for at most timeout.
func Await(ctx context.Context, sched scheduler.Suspender, ch <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-ch:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	err := sched.Block(ctx, func() error {
		t := sched.Clock().Timer(timeout)
		defer t.Stop()
		select {
		case <-ch:
			return nil
		case <-t.C:
			return errTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return err == nil
}

// Settle waits the settling delay that lets deferred teardown finish before a
// measurement.
func Settle(ctx context.Context, sched scheduler.Suspender, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return sched.Sleep(ctx, d)
}
