package scenario

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
	"github.com/xkilldash9x/peerwatch/internal/registry"
	"github.com/xkilldash9x/peerwatch/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.BasePort = 0
	cfg.Probe.Interval = 5 * time.Millisecond
	cfg.Probe.Attempts = 400
	cfg.Probe.Settle = 10 * time.Millisecond
	cfg.Probe.ChurnWindows = 6
	cfg.Probe.ChurnRate = 1000
	cfg.Browser.LoadTimeout = 5 * time.Second
	return cfg
}

type fixture struct {
	cfg      *config.Config
	registry *registry.Registry
	sched    *scheduler.Scheduler
	runner   *Runner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	cfg := testConfig()
	logger := zaptest.NewLogger(t)
	reg := registry.New(cfg.Registry, logger)
	sched := scheduler.New(cfg.Scheduler, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, sched.Shutdown(ctx))
	})

	r, err := NewRunner(context.Background(), cfg, reg, sched, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, r.Close(ctx))
	})
	return &fixture{cfg: cfg, registry: reg, sched: sched, runner: r}
}

func runCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var ignoreTiming = cmpopts.IgnoreFields(schemas.ScenarioReport{}, "Duration", "Requests")

func TestScenariosAreListedInOrder(t *testing.T) {
	var names []string
	for _, sc := range Scenarios() {
		names = append(names, sc.Name)
		assert.NotEmpty(t, sc.Description, sc.Name)
	}
	assert.Equal(t, []string{"webview", "open-close-immediate", "double-close", "collected", "churn"}, names)

	_, ok := Lookup("webview")
	assert.True(t, ok)
	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestRunScenarios(t *testing.T) {
	tests := []struct {
		name string
		want schemas.ScenarioReport
	}{
		{
			name: "webview",
			want: schemas.ScenarioReport{Scenario: "webview", Backend: "headless", Passed: true, Before: 1, Closes: 1},
		},
		{
			name: "open-close-immediate",
			want: schemas.ScenarioReport{Scenario: "open-close-immediate", Backend: "headless", Passed: true, Before: 1, Closes: 1},
		},
		{
			name: "double-close",
			want: schemas.ScenarioReport{Scenario: "double-close", Backend: "headless", Passed: true, Before: 1, Closes: 3},
		},
		{
			name: "collected",
			want: schemas.ScenarioReport{Scenario: "collected", Backend: "headless", Passed: true, Before: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			report, err := f.runner.Run(runCtx(t), tt.name)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.want, report, ignoreTiming); diff != "" {
				t.Errorf("report mismatch (-want +got):\n%s", diff)
			}
			assert.Positive(t, report.Duration)
			assert.Zero(t, f.registry.Live())
		})
	}
}

func TestRunWebviewObservesRequests(t *testing.T) {
	f := newFixture(t)
	report, err := f.runner.Run(runCtx(t), "webview")
	require.NoError(t, err)
	assert.True(t, report.Passed, report.Reason)
	assert.GreaterOrEqual(t, report.Requests, int64(1))
}

func TestRunChurn(t *testing.T) {
	f := newFixture(t)
	report, err := f.runner.Run(runCtx(t), "churn")
	require.NoError(t, err)

	assert.True(t, report.Passed, report.Reason)
	assert.Equal(t, f.cfg.Probe.ChurnWindows, report.Closes)
	assert.GreaterOrEqual(t, report.Before, 1)
	assert.LessOrEqual(t, report.Before, f.cfg.Probe.ChurnWindows)
	assert.Zero(t, report.After)
	assert.Zero(t, f.runner.Manager().Len())
}

func TestRunUnknownScenario(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(runCtx(t), "nope")
	assert.ErrorIs(t, err, ErrUnknownScenario)
}

func TestRunAll(t *testing.T) {
	t.Run("every scenario by default", func(t *testing.T) {
		f := newFixture(t)
		reports, err := f.runner.RunAll(runCtx(t), nil)
		require.NoError(t, err)
		require.Len(t, reports, len(Scenarios()))
		for i, sc := range Scenarios() {
			assert.Equal(t, sc.Name, reports[i].Scenario)
			assert.True(t, reports[i].Passed, "%s: %s", sc.Name, reports[i].Reason)
		}
	})

	t.Run("names are validated before running", func(t *testing.T) {
		f := newFixture(t)
		reports, err := f.runner.RunAll(runCtx(t), []string{"webview", "nope"})
		assert.ErrorIs(t, err, ErrUnknownScenario)
		assert.Empty(t, reports)
	})
}

func TestRunWithCustomHandler(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>custom</body></html>"))
	})
	f := newFixture(t, WithHandler(handler))

	report, err := f.runner.Run(runCtx(t), "webview")
	require.NoError(t, err)
	assert.True(t, report.Passed, report.Reason)
	assert.Positive(t, report.Requests)
}

// leakyBackend registers an extra native object per view and never releases
// it, the way a backend that forgets a child object would.
type leakyBackend struct {
	reg *registry.Registry
}

func (b *leakyBackend) Name() string { return "leaky" }

func (b *leakyBackend) CreateView(ctx context.Context, id string) (schemas.NativeView, error) {
	b.reg.Register("leaked-child")
	return leakyView{}, nil
}

func (b *leakyBackend) Close(context.Context) error { return nil }

type leakyView struct{}

func (leakyView) Load(context.Context, string) error { return nil }
func (leakyView) Gone() <-chan struct{}              { return nil }
func (leakyView) Destroy(context.Context) error      { return nil }

func TestRunReportsLeak(t *testing.T) {
	cfg := testConfig()
	logger := zaptest.NewLogger(t)
	reg := registry.New(cfg.Registry, logger)
	sched := scheduler.New(cfg.Scheduler, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, sched.Shutdown(ctx))
	})

	r, err := NewRunner(context.Background(), cfg, reg, sched, logger, WithBackendFactory(func(context.Context) (schemas.Backend, error) {
		return &leakyBackend{reg: reg}, nil
	}))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, r.Close(ctx))
	})

	report, err := r.Run(runCtx(t), "open-close-immediate")
	require.NoError(t, err, "a failed check is not an aborted run")

	want := schemas.ScenarioReport{
		Scenario: "open-close-immediate",
		Backend:  "leaky",
		Passed:   false,
		Reason:   "live native objects: got 1, want 0",
		Before:   2,
		After:    1,
		Expected: 0,
		Closes:   1,
	}
	if diff := cmp.Diff(want, report, ignoreTiming); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRunnerBackendError(t *testing.T) {
	cfg := testConfig()
	cfg.Browser.Backend = "bogus"
	logger := zaptest.NewLogger(t)
	sched := scheduler.New(cfg.Scheduler, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, sched.Shutdown(ctx))
	}()

	_, err := NewRunner(context.Background(), cfg, registry.New(cfg.Registry, logger), sched, logger)
	assert.ErrorContains(t, err, "unknown webview backend")
}
