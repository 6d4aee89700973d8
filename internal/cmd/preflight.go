package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/pkg/hostrun"
	"github.com/galadon/pushdeploy/pkg/manifest"
	"github.com/galadon/pushdeploy/pkg/output"
	"github.com/galadon/pushdeploy/pkg/preflight"
	"github.com/galadon/pushdeploy/pkg/supervisor"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Probe host capabilities for a manifest",
	Long: `Probe host capabilities before running a deploy.

This command is intended for operational validation before wiring a
manifest into the agent. It emits a JSONL preflight record
(pushdeploy.preflight.v1).

Examples:
  # Plan-only: no host commands
  pushdeploy preflight --job deploy.yaml --mode plan-only

  # Read-safe: version queries, unit status, directory stats
  pushdeploy preflight --job deploy.yaml --mode read-safe`,
	RunE: runPreflight,
}

var (
	preflightJobPath string
	preflightMode    string
)

func init() {
	rootCmd.AddCommand(preflightCmd)

	preflightCmd.Flags().StringVarP(&preflightJobPath, "job", "j", "", "Path to deploy manifest (required)")
	_ = preflightCmd.MarkFlagRequired("job")
	preflightCmd.Flags().StringVar(&preflightMode, "mode", "read-safe", "Preflight mode (plan-only|read-safe)")
}

func runPreflight(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(preflightJobPath)
	if err != nil {
		observability.CLILogger.Error("Invalid deploy manifest", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid deploy manifest", err)
	}

	runner := hostrun.New()
	host := preflight.Host{
		Runner:       runner,
		Supervisor:   supervisor.NewSystemd(m.Service.Unit, m.SudoEnabled(), m.Service.RestartTimeout.Std(), runner),
		Unit:         m.Service.Unit,
		Interpreter:  m.Environment.Interpreter,
		ReleasesRoot: m.Releases.Root,
	}

	rec, err := preflight.Run(ctx, host, preflightMode)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --mode value", err)
	}

	jobID := uuid.New().String()
	w := output.NewJSONLWriter(os.Stdout, jobID, m.Service.Unit)
	defer func() { _ = w.Close() }()

	if err := w.WritePreflight(ctx, rec); err != nil {
		return err
	}

	if !preflight.AllAllowed(rec) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight checks failed",
			fmt.Errorf("one or more capabilities are unavailable; see preflight record"))
	}
	return nil
}
