package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
	"github.com/xkilldash9x/peerwatch/internal/observability"
	"github.com/xkilldash9x/peerwatch/internal/registry"
	"github.com/xkilldash9x/peerwatch/internal/scenario"
	"github.com/xkilldash9x/peerwatch/internal/scheduler"
)

// ErrScenariosFailed is returned when at least one scenario check failed.
var ErrScenariosFailed = errors.New("scenarios failed")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newRunCmd() *cobra.Command {
	var jsonOut bool

	runCmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run lifecycle scenarios (all of them when none are named)",
		Long: `Opens windows against a local test server, closes them and compares
native object registry snapshots taken around each close. The command fails
when any scenario reports a leak or a missed callback.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runScenarios(ctx, cfg, args, jsonOut, cmd.OutOrStdout(), observability.GetLogger())
		},
	}

	runCmd.Flags().String("backend", "", "Webview backend: headless or cdp. (Overrides config/env)")
	runCmd.Flags().Int("port", 0, "Test server port offset from server.base_port. (Overrides config/env)")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running. (Overrides config/env)")
	runCmd.Flags().Int("churn-windows", 0, "Windows opened by the churn scenario. (Overrides config/env)")
	runCmd.Flags().Int("workers", 0, "Scheduler worker slots. (Overrides config/env)")
	runCmd.Flags().BoolVar(&jsonOut, "json", false, "Print reports as JSON.")

	return runCmd
}

// runScenarios wires the process-wide registry, a scheduler and a runner,
// executes the named scenarios and writes their reports to out.
func runScenarios(
	ctx context.Context,
	cfg *config.Config,
	names []string,
	jsonOut bool,
	out io.Writer,
	logger *zap.Logger,
	opts ...scenario.Option,
) error {
	reg := registry.Default()
	sched := scheduler.New(cfg.Scheduler, logger)
	defer func() {
		if serr := sched.Shutdown(context.Background()); serr != nil {
			logger.Warn("Scheduler shutdown incomplete.", zap.Error(serr))
		}
	}()

	runner, err := scenario.NewRunner(ctx, cfg, reg, sched, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize runner: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if cerr := runner.Close(shutdownCtx); cerr != nil {
			logger.Warn("Error during webview manager shutdown.", zap.Error(cerr))
		}
	}()

	if cfg.Metrics.Addr != "" {
		promReg, err := observability.NewMetricsRegistry(reg, sched, runner.Manager())
		if err != nil {
			return err
		}
		ms, err := observability.ServeMetrics(cfg.Metrics.Addr, promReg, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(shutdownCtx)
		}()
	}

	reports, runErr := runner.RunAll(ctx, names)
	if len(reports) > 0 {
		if werr := writeReports(out, reports, jsonOut); werr != nil {
			return werr
		}
	}
	if runErr != nil {
		return runErr
	}

	failed := 0
	for _, r := range reports {
		if !r.Passed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrScenariosFailed, failed, len(reports))
	}
	return nil
}

func writeReports(out io.Writer, reports []schemas.ScenarioReport, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return fmt.Errorf("failed to encode reports: %w", err)
		}
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESULT\tSCENARIO\tBACKEND\tBASELINE\tBEFORE\tAFTER\tEXPECTED\tDURATION\tREASON")
	for _, r := range reports {
		result := "PASS"
		if !r.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			result, r.Scenario, r.Backend, r.Baseline, r.Before, r.After, r.Expected,
			r.Duration.Round(time.Millisecond), r.Reason)
	}
	return tw.Flush()
}
