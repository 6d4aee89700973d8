package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	errwrap "github.com/galadon/pushdeploy/internal/errors"
	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/pkg/hostrun"
)

var doctorArchive bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the deployment host and suggest fixes for
common issues.

Examples:
  pushdeploy doctor            # Full host check
  pushdeploy doctor --archive  # Also check S3 archive credentials`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorArchive, "archive", false, "Run S3 archive credential checks")
}

func runDoctor(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	observability.CLILogger.Info("=== pushdeploy doctor ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorArchive {
		totalChecks = 7
	}

	runner := hostrun.New()

	// Check 1: git
	if ver, ok := binaryVersion(ctx, runner, "git"); ok {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking git... ✅ %s", checkNum, totalChecks, ver),
			zap.String("git_version", ver))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking git... ❌ git not found on PATH", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 2: python3
	if ver, ok := binaryVersion(ctx, runner, "python3"); ok {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking python3... ✅ %s", checkNum, totalChecks, ver),
			zap.String("python_version", ver))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking python3... ❌ python3 not found on PATH", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: systemctl
	if ver, ok := binaryVersion(ctx, runner, "systemctl"); ok {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking systemctl... ✅ %s", checkNum, totalChecks, ver),
			zap.String("systemd_version", ver))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking systemctl... ❌ systemctl not found (is this a systemd host?)", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: data directory
	dir := dataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ Cannot create %s", checkNum, totalChecks, dir),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileWriteError, "Cannot create data directory",
			errwrap.WrapInternal(ctx, err, "Cannot create data directory"))
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s", checkNum, totalChecks, dir),
			zap.String("data_dir", dir))
	}
	checkNum++

	// Check 5: environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	if doctorArchive {
		allChecks = runArchiveChecks(ctx, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info("✅ All checks passed! Your pushdeploy installation is healthy.")
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

func binaryVersion(ctx context.Context, runner hostrun.Runner, bin string) (string, bool) {
	res, err := runner.Run(ctx, hostrun.Spec{Name: bin, Args: []string{"--version"}})
	if err != nil {
		return "", false
	}
	out := strings.TrimSpace(res.Stdout)
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return out, true
}

// runArchiveChecks runs S3 archive credential checks.
func runArchiveChecks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Archive Checks:")

	// Check 6: AWS credentials
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Check 7: credential source
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))

	return allChecks
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set the")
	observability.CLILogger.Info("archive endpoint in the manifest.")
	observability.CLILogger.Info("")
}
