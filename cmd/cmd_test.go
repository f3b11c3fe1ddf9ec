package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
	"github.com/xkilldash9x/peerwatch/internal/registry"
	"github.com/xkilldash9x/peerwatch/internal/scenario"
)

// executeCommand runs a fresh command tree and returns everything it wrote.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return buf.String(), err
}

func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const quietConfig = `
logger:
  level: error
probe:
  interval: 5ms
  attempts: 400
  settle: 10ms
  churn_windows: 4
`

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "peerwatch version "+Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "peerwatch checks that closed webview windows release their native peers.")
}

func TestScenariosCmd(t *testing.T) {
	out, err := executeCommand(t, "scenarios")
	require.NoError(t, err)
	for _, sc := range scenario.Scenarios() {
		assert.Contains(t, out, sc.Name)
	}

	_, err = executeCommand(t, "scenarios", "extra")
	assert.Error(t, err)
}

func TestRunCmd_JSON(t *testing.T) {
	cfgPath := createTempConfig(t, quietConfig)
	out, err := executeCommand(t, "--config", cfgPath, "run", "webview", "double-close", "--json")
	require.NoError(t, err)

	var reports []schemas.ScenarioReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, "webview", reports[0].Scenario)
	assert.Equal(t, "double-close", reports[1].Scenario)
	for _, r := range reports {
		assert.True(t, r.Passed, "%s: %s", r.Scenario, r.Reason)
		assert.Equal(t, "headless", r.Backend)
	}
}

func TestRunCmd_Table(t *testing.T) {
	cfgPath := createTempConfig(t, quietConfig)
	out, err := executeCommand(t, "--config", cfgPath, "run", "open-close-immediate")
	require.NoError(t, err)
	assert.Contains(t, out, "RESULT")
	assert.Contains(t, out, "PASS")
	assert.Contains(t, out, "open-close-immediate")
	// Windows are accounted in the process-wide registry and all released.
	assert.Zero(t, registry.Default().Live())
}

func TestRunCmd_UnknownScenario(t *testing.T) {
	cfgPath := createTempConfig(t, quietConfig)
	_, err := executeCommand(t, "--config", cfgPath, "run", "nope")
	assert.ErrorIs(t, err, scenario.ErrUnknownScenario)
}

func TestRunCmd_MetricsEndpoint(t *testing.T) {
	cfgPath := createTempConfig(t, quietConfig)
	_, err := executeCommand(t, "--config", cfgPath, "run", "webview", "--metrics-addr", "127.0.0.1:0")
	assert.NoError(t, err)
}

func TestConfigPrecedence(t *testing.T) {
	t.Run("file value is validated", func(t *testing.T) {
		cfgPath := createTempConfig(t, quietConfig+"browser:\n  backend: bogus\n")
		_, err := executeCommand(t, "--config", cfgPath, "run", "webview")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("flag overrides file", func(t *testing.T) {
		cfgPath := createTempConfig(t, quietConfig+"browser:\n  backend: bogus\n")
		_, err := executeCommand(t, "--config", cfgPath, "run", "webview", "--backend", "headless")
		assert.NoError(t, err)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("PEERWATCH_PROBE_ATTEMPTS", "0")
		cfgPath := createTempConfig(t, "logger:\n  level: error\n")
		_, err := executeCommand(t, "--config", cfgPath, "run", "webview")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "attempts must be a positive integer")
	})

	t.Run("missing explicit config file", func(t *testing.T) {
		_, err := executeCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "scenarios")
		assert.Error(t, err)
	})
}

func TestRunCmd_InstallsProcessConfig(t *testing.T) {
	t.Cleanup(func() { config.Set(nil) })
	cfgPath := createTempConfig(t, quietConfig)
	_, err := executeCommand(t, "--config", cfgPath, "scenarios")
	require.NoError(t, err)
	assert.Equal(t, 4, config.Get().Probe.ChurnWindows)
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, cfg))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

type brokenBackend struct{}

func (brokenBackend) Name() string { return "broken" }
func (brokenBackend) CreateView(context.Context, string) (schemas.NativeView, error) {
	return nil, errors.New("no display")
}
func (brokenBackend) Close(context.Context) error { return nil }

func TestRunScenarios_Aborted(t *testing.T) {
	cfg := config.NewDefaultConfig()
	var out bytes.Buffer

	err := runScenarios(context.Background(), cfg, []string{"webview"}, false, &out, zaptest.NewLogger(t),
		scenario.WithBackendFactory(func(context.Context) (schemas.Backend, error) {
			return brokenBackend{}, nil
		}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no display")
	assert.Contains(t, out.String(), "FAIL")
}

func TestWriteReports(t *testing.T) {
	reports := []schemas.ScenarioReport{
		{Scenario: "webview", Backend: "headless", Passed: true, Before: 1},
		{Scenario: "churn", Backend: "headless", Reason: "live native objects: got 2, want 0", After: 2},
	}

	var table bytes.Buffer
	require.NoError(t, writeReports(&table, reports, false))
	assert.Contains(t, table.String(), "PASS")
	assert.Contains(t, table.String(), "FAIL")
	assert.Contains(t, table.String(), "live native objects: got 2, want 0")

	var js bytes.Buffer
	require.NoError(t, writeReports(&js, reports, true))
	var decoded []schemas.ScenarioReport
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, reports, decoded)
}
