// Package scenario drives the window lifecycle checks: open a window against
// the local test server, close it through the asynchronous protocol and
// compare registry snapshots taken around the close.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
	"github.com/xkilldash9x/peerwatch/internal/probe"
	"github.com/xkilldash9x/peerwatch/internal/registry"
	"github.com/xkilldash9x/peerwatch/internal/scheduler"
	"github.com/xkilldash9x/peerwatch/internal/testserver"
	"github.com/xkilldash9x/peerwatch/internal/webview"
)

// ErrUnknownScenario is returned for names not in Scenarios.
var ErrUnknownScenario = errors.New("unknown scenario")

// BackendFactory creates the webview backend a Runner opens windows on.
type BackendFactory func(ctx context.Context) (schemas.Backend, error)

// Option customizes a Runner.
type Option func(*Runner)

// WithBackendFactory overrides the backend selected by configuration.
func WithBackendFactory(f BackendFactory) Option {
	return func(r *Runner) { r.backends = f }
}

// WithHandler sets the handler of the per-scenario test server.
func WithHandler(h http.Handler) Option {
	return func(r *Runner) { r.handler = h }
}

// Runner executes scenarios against one webview manager.
type Runner struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *registry.Registry
	sched    *scheduler.Scheduler
	backends BackendFactory
	handler  http.Handler

	backendName string
	manager     *webview.Manager
}

// NewRunner creates the backend and the webview manager.
func NewRunner(ctx context.Context, cfg *config.Config, reg *registry.Registry, sched *scheduler.Scheduler, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:      cfg,
		logger:   logger.Named("scenario"),
		registry: reg,
		sched:    sched,
	}
	r.backends = func(ctx context.Context) (schemas.Backend, error) {
		return webview.NewBackend(ctx, cfg.Browser, logger)
	}
	for _, opt := range opts {
		opt(r)
	}

	backend, err := r.backends(ctx)
	if err != nil {
		return nil, err
	}
	r.backendName = backend.Name()
	r.manager = webview.NewManager(backend, reg, sched, cfg.Browser, logger)
	return r, nil
}

// Manager exposes the runner's webview manager.
func (r *Runner) Manager() *webview.Manager {
	return r.manager
}

// Run executes one scenario. A failed check is reported in the returned
// report; an error means the scenario could not be carried out.
func (r *Runner) Run(ctx context.Context, name string) (schemas.ScenarioReport, error) {
	sc, ok := Lookup(name)
	if !ok {
		return schemas.ScenarioReport{}, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}

	report := schemas.ScenarioReport{Scenario: sc.Name, Backend: r.backendName, Passed: true}
	logger := r.logger.With(zap.String("scenario", sc.Name))

	srv, err := testserver.New(r.cfg.Server, r.handler, logger)
	if err != nil {
		return report, fmt.Errorf("failed to start test server: %w", err)
	}
	if err := srv.AsyncRun(r.sched); err != nil {
		_ = srv.Close(ctx)
		return report, fmt.Errorf("failed to run test server: %w", err)
	}

	// The body fills its own copy; report only takes it once the body returned.
	result := report
	e := &env{
		Runner: r,
		srv:    srv,
		policy: probe.PolicyFromConfig(r.cfg.Probe),
		report: &result,
		logger: logger,
	}

	start := time.Now()
	done := make(chan error, 1)
	err = r.sched.Spawn("scenario:"+sc.Name, func(taskCtx context.Context, y *scheduler.Yield) error {
		e.yield = y
		runCtx, cancel := context.WithCancel(taskCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		err := sc.run(runCtx, e)
		done <- err
		return err
	})
	if err == nil {
		select {
		case err = <-done:
			report = result
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	report.Duration = time.Since(start)
	report.Requests = srv.Requests()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := srv.Close(closeCtx); cerr != nil {
		logger.Warn("Failed to stop test server.", zap.Error(cerr))
	}

	if err != nil {
		report.Passed = false
		if report.Reason == "" {
			report.Reason = err.Error()
		}
		logger.Error("Scenario aborted.", zap.Error(err))
		return report, fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	fields := []zap.Field{
		zap.Int("baseline", report.Baseline),
		zap.Int("before", report.Before),
		zap.Int("after", report.After),
		zap.Int("expected", report.Expected),
		zap.Duration("duration", report.Duration),
	}
	if report.Passed {
		logger.Info("Scenario passed.", fields...)
	} else {
		logger.Warn("Scenario failed.", append(fields, zap.String("reason", report.Reason))...)
	}
	return report, nil
}

// RunAll executes the named scenarios in order, or all of them when names is
// empty. It stops at the first scenario that could not be carried out.
func (r *Runner) RunAll(ctx context.Context, names []string) ([]schemas.ScenarioReport, error) {
	if len(names) == 0 {
		for _, sc := range Scenarios() {
			names = append(names, sc.Name)
		}
	}
	for _, name := range names {
		if _, ok := Lookup(name); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
		}
	}

	reports := make([]schemas.ScenarioReport, 0, len(names))
	for _, name := range names {
		report, err := r.Run(ctx, name)
		reports = append(reports, report)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Close shuts the webview manager and its backend down.
func (r *Runner) Close(ctx context.Context) error {
	return r.manager.Shutdown(ctx)
}

// env is the per-run state handed to a scenario body.
type env struct {
	*Runner
	srv    *testserver.Server
	yield  *scheduler.Yield
	policy probe.Policy
	report *schemas.ScenarioReport
	logger *zap.Logger
}

func (e *env) snapshot(ctx context.Context) (int, error) {
	n, err := e.registry.SnapshotLiveCount(ctx)
	if err != nil {
		return n, fmt.Errorf("registry snapshot: %w", err)
	}
	return n, nil
}

func (e *env) observed() bool {
	select {
	case <-e.srv.Observed():
		return true
	default:
		return false
	}
}

// fail records the first failed check.
func (e *env) fail(format string, args ...interface{}) {
	if !e.report.Passed {
		return
	}
	e.report.Passed = false
	e.report.Reason = fmt.Sprintf(format, args...)
}

// expect records the final measurement and checks it against want.
func (e *env) expect(after, want int) {
	e.report.After = after
	e.report.Expected = want
	if after != want {
		e.fail("live native objects: got %d, want %d", after, want)
	}
}
