package scenario

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/peerwatch/internal/probe"
)

// Scenario is one named lifecycle check.
type Scenario struct {
	Name        string
	Description string
	run         func(ctx context.Context, e *env) error
}

var scenarios = []Scenario{
	{
		Name:        "webview",
		Description: "open a window, wait for the server to see the load, close it and expect exactly one native object reclaimed",
		run:         runWebview,
	},
	{
		Name:        "open-close-immediate",
		Description: "close a window before its load completes; the live count returns to baseline",
		run:         runOpenCloseImmediate,
	},
	{
		Name:        "double-close",
		Description: "close a window concurrently and again after it closed; one decrement, one callback",
		run:         runDoubleClose,
	},
	{
		Name:        "collected",
		Description: "drop a window without closing it; forced reclamation tears it down",
		run:         runCollected,
	},
	{
		Name:        "churn",
		Description: "open and close many windows concurrently; the live count returns to baseline",
		run:         runChurn,
	},
}

// Scenarios lists every scenario in run order.
func Scenarios() []Scenario {
	return append([]Scenario(nil), scenarios...)
}

// Lookup finds a scenario by name.
func Lookup(name string) (Scenario, bool) {
	for _, sc := range scenarios {
		if sc.Name == name {
			return sc, true
		}
	}
	return Scenario{}, false
}

func runWebview(ctx context.Context, e *env) error {
	baseline, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.report.Baseline = baseline

	win, err := e.manager.Open(ctx, e.srv.URL())
	if err != nil {
		return err
	}
	if !probe.Poll(ctx, e.yield, e.observed, e.policy) {
		e.fail("server observed no request within %s", e.policy.Budget())
	}

	var closed atomic.Bool
	win.OnClose(func() { closed.Store(true) })

	before, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.report.Before = before

	win.Close()
	e.report.Closes++

	if !probe.Poll(ctx, e.yield, closed.Load, e.policy) {
		e.fail("close callback did not fire within %s", e.policy.Budget())
	}
	if err := probe.Settle(ctx, e.yield, e.cfg.Probe.Settle); err != nil {
		return err
	}

	after, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.expect(after, before-1)
	return nil
}

func runOpenCloseImmediate(ctx context.Context, e *env) error {
	baseline, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.report.Baseline = baseline

	win, err := e.manager.Open(ctx, e.srv.URL())
	if err != nil {
		return err
	}
	e.report.Before = e.registry.Live()
	win.Close()
	e.report.Closes++

	if !probe.Await(ctx, e.yield, win.Done(), e.policy.Budget()) {
		e.fail("window did not reach closed within %s", e.policy.Budget())
	}
	if err := probe.Settle(ctx, e.yield, e.cfg.Probe.Settle); err != nil {
		return err
	}

	after, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.expect(after, baseline)
	return nil
}

func runDoubleClose(ctx context.Context, e *env) error {
	baseline, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.report.Baseline = baseline

	win, err := e.manager.Open(ctx, e.srv.URL())
	if err != nil {
		return err
	}
	if !probe.Poll(ctx, e.yield, e.observed, e.policy) {
		e.logger.Debug("No request observed before closing.")
	}

	var callbacks atomic.Int32
	win.OnClose(func() { callbacks.Add(1) })

	before, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.report.Before = before

	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			win.Close()
			return nil
		})
	}
	_ = g.Wait()
	e.report.Closes += 2

	if !probe.Await(ctx, e.yield, win.Done(), e.policy.Budget()) {
		e.fail("window did not reach closed within %s", e.policy.Budget())
	}
	win.Close()
	e.report.Closes++

	if err := probe.Settle(ctx, e.yield, e.cfg.Probe.Settle); err != nil {
		return err
	}
	after, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.expect(after, before-1)
	if n := callbacks.Load(); n != 1 {
		e.fail("close callback fired %d times", n)
	}
	return nil
}

func runCollected(ctx context.Context, e *env) error {
	baseline, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.report.Baseline = baseline

	if err := openAndDrop(ctx, e); err != nil {
		return err
	}
	e.report.Before = e.registry.Live()
	if !probe.Poll(ctx, e.yield, e.observed, e.policy) {
		e.logger.Debug("No request observed before the window was dropped.")
	}

	var snapErr error
	reclaimed := probe.Poll(ctx, e.yield, func() bool {
		n, err := e.snapshot(ctx)
		if err != nil {
			snapErr = err
			return true
		}
		return n == baseline
	}, e.policy)
	if snapErr != nil {
		return snapErr
	}
	if !reclaimed {
		e.logger.Warn("Dropped window was not reclaimed within the poll budget.")
	}

	after, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.expect(after, baseline)
	return nil
}

// openAndDrop opens a window and lets the handle go out of scope.
func openAndDrop(ctx context.Context, e *env) error {
	win, err := e.manager.Open(ctx, e.srv.URL())
	if err != nil {
		return err
	}
	e.logger.Debug("Dropping window without Close.", zap.String("window_id", win.ID()))
	return nil
}

func runChurn(ctx context.Context, e *env) error {
	baseline, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.report.Baseline = baseline

	n := e.cfg.Probe.ChurnWindows
	limiter := rate.NewLimiter(rate.Limit(e.cfg.Probe.ChurnRate), 1)
	var callbacks, peak atomic.Int32

	err = e.yield.Block(ctx, func() error {
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			g.Go(func() error {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				win, err := e.manager.Open(gctx, e.srv.URL())
				if err != nil {
					return fmt.Errorf("open window %d: %w", i, err)
				}
				live := int32(e.registry.Live())
				for p := peak.Load(); live > p && !peak.CompareAndSwap(p, live); p = peak.Load() {
				}
				win.OnClose(func() { callbacks.Add(1) })
				win.Close()
				return win.Wait(gctx)
			})
		}
		return g.Wait()
	})
	if err != nil {
		return err
	}
	e.report.Before = int(peak.Load())
	e.report.Closes = n

	if err := probe.Settle(ctx, e.yield, e.cfg.Probe.Settle); err != nil {
		return err
	}
	after, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	e.expect(after, baseline)
	if got := int(callbacks.Load()); got != n {
		e.fail("close callbacks: got %d, want %d", got, n)
	}
	return nil
}
