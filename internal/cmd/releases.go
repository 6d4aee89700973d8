package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/pkg/hostrun"
	"github.com/galadon/pushdeploy/pkg/manifest"
	"github.com/galadon/pushdeploy/pkg/releases"
	"github.com/galadon/pushdeploy/pkg/supervisor"
)

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "Inspect and roll back releases",
}

var releasesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List materialized releases",
	RunE:  runReleasesList,
}

var releasesRollbackCmd = &cobra.Command{
	Use:   "rollback [release_id]",
	Short: "Activate an earlier release and restart the service",
	Long: `Activate an earlier release and restart the service.

Without an argument the previous release is activated. The symlink swap
is atomic; a crash mid-rollback leaves the old release active.

Examples:
  pushdeploy releases rollback --job deploy.yaml
  pushdeploy releases rollback 20260825T120000-a1b2c3d --job deploy.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReleasesRollback,
}

var releasesJobPath string

func init() {
	rootCmd.AddCommand(releasesCmd)
	releasesCmd.AddCommand(releasesListCmd)
	releasesCmd.AddCommand(releasesRollbackCmd)

	releasesCmd.PersistentFlags().StringVarP(&releasesJobPath, "job", "j", "", "Path to deploy manifest (required)")
	_ = releasesCmd.MarkPersistentFlagRequired("job")
}

func runReleasesList(cmd *cobra.Command, _ []string) error {
	m, err := manifest.Load(releasesJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid deploy manifest", err)
	}

	store := releases.NewStore(m.Releases.Root)
	ids, err := store.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No releases found")
		return nil
	}

	current, err := store.Current()
	if err != nil {
		current = ""
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RELEASE ID\tCURRENT")
	for _, id := range ids {
		marker := ""
		if id == current {
			marker = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", id, marker)
	}
	return nil
}

func runReleasesRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(releasesJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid deploy manifest", err)
	}

	store := releases.NewStore(m.Releases.Root)

	target := ""
	if len(args) == 1 {
		target = strings.TrimSpace(args[0])
	}
	if target == "" {
		target, err = store.Previous()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "No previous release to roll back to", err)
		}
	}

	current, _ := store.Current()
	if target == current {
		return exitError(foundry.ExitInvalidArgument, "Release is already active",
			fmt.Errorf("release %s is the current release", target))
	}

	observability.CLILogger.Info("rolling back",
		zap.String("from", current),
		zap.String("to", target))

	if err := store.Activate(target); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot activate release", err)
	}

	runner := hostrun.New()
	sup := supervisor.NewSystemd(m.Service.Unit, m.SudoEnabled(), m.Service.RestartTimeout.Std(), runner)
	if err := sup.Restart(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Service restart failed after rollback", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "active=%s\n", target)
	return nil
}
