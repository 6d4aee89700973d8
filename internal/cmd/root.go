// Package cmd implements the pushdeploy CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/internal/config"
	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected via ldflags.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var (
	rootLogLevel   string
	rootLogProfile string
)

var rootCmd = &cobra.Command{
	Use:   "pushdeploy",
	Short: "Push-to-deploy runner for small Python services",
	Long: `pushdeploy turns a GitHub push into a running release on the host.

A deploy checks out the pushed commit, materializes it as an immutable
release, recreates the service virtualenv, restarts the systemd unit,
and verifies the new process answers HTTP before calling the run a
success. Failed verification rolls back to the previous release.

Run 'pushdeploy agent' to receive GitHub webhooks, or 'pushdeploy deploy'
for a one-shot deploy from a manifest.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if rootLogLevel != "" {
			level = rootLogLevel
		}
		profile := cfg.Logging.Profile
		if rootLogProfile != "" {
			profile = rootLogProfile
		}
		return observability.Init(level, profile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&rootLogProfile, "log-profile", "", "Log profile (structured, console)")
}

// codedError carries a foundry exit code through cobra's error return.
type codedError struct {
	code foundry.ExitCode
	msg  string
	err  error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError wraps err so Execute exits with the given foundry code.
func exitError(code foundry.ExitCode, msg string, err error) error {
	return &codedError{code: code, msg: msg, err: err}
}

// ExitWithCode logs the failure and terminates immediately. Reserved for
// paths that cannot return an error up the command tree.
func ExitWithCode(logger *zap.Logger, code foundry.ExitCode, msg string, err error) {
	logger.Error(msg, zap.Error(err), zap.Int("exit_code", int(code)))
	observability.Sync()
	os.Exit(int(code))
}

// Execute runs the CLI. It installs signal handling so Ctrl-C cancels
// in-flight deploys cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	observability.Sync()
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err)

	var coded *codedError
	if errors.As(err, &coded) {
		os.Exit(int(coded.code))
	}
	if ctx.Err() != nil {
		os.Exit(int(foundry.ExitSignalInt))
	}
	os.Exit(1)
}
