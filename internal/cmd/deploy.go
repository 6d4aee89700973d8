package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/internal/config"
	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/pkg/archive"
	"github.com/galadon/pushdeploy/pkg/gitsource"
	"github.com/galadon/pushdeploy/pkg/history"
	"github.com/galadon/pushdeploy/pkg/hostrun"
	"github.com/galadon/pushdeploy/pkg/jobregistry"
	"github.com/galadon/pushdeploy/pkg/manifest"
	"github.com/galadon/pushdeploy/pkg/output"
	"github.com/galadon/pushdeploy/pkg/pipeline"
	"github.com/galadon/pushdeploy/pkg/preflight"
	"github.com/galadon/pushdeploy/pkg/pyenv"
	"github.com/galadon/pushdeploy/pkg/releases"
	"github.com/galadon/pushdeploy/pkg/supervisor"
	"github.com/galadon/pushdeploy/pkg/verify"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Run one deploy from a manifest",
	Long: `Run one deploy from a manifest.

The deploy clones the configured branch, materializes an immutable
release under the releases root, recreates the virtualenv, restarts the
service unit, and verifies liveness before reporting success. Progress
is emitted as JSONL records (pushdeploy.stage.v1 and friends).

Examples:
  pushdeploy deploy --job deploy.yaml
  pushdeploy deploy --job deploy.yaml --output run.jsonl
  pushdeploy deploy --job deploy.yaml --background
  pushdeploy deploy --job deploy.yaml --dry-run
  pushdeploy deploy --job deploy.yaml --preflight read-safe`,
	RunE: runDeploy,
}

var (
	deployJobPath       string
	deployOutputPath    string
	deployName          string
	deployBackground    bool
	deployDryRun        bool
	deployPreflightMode string
	deployManagedJobID  string
)

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().StringVarP(&deployJobPath, "job", "j", "", "Path to deploy manifest (required)")
	_ = deployCmd.MarkFlagRequired("job")

	deployCmd.Flags().StringVarP(&deployOutputPath, "output", "o", "", "JSONL output destination (default from manifest, '-' for stdout)")
	deployCmd.Flags().StringVar(&deployName, "name", "", "Optional job name for the registry")
	deployCmd.Flags().BoolVar(&deployBackground, "background", false, "Run the deploy as a managed background job")
	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "Print the deploy plan without touching the host")
	deployCmd.Flags().StringVar(&deployPreflightMode, "preflight", "", "Run preflight checks first (plan-only|read-safe); abort when a capability is denied")

	// Internal flag used by the background executor to mark the child as
	// a managed run.
	deployCmd.Flags().StringVar(&deployManagedJobID, "_managed-job-id", "", "")
	_ = deployCmd.Flags().MarkHidden("_managed-job-id")
}

func dataDir() string {
	if cfg := config.GetConfig(); cfg != nil && cfg.DataDir != "" {
		return cfg.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pushdeploy"
	}
	return filepath.Join(home, ".pushdeploy")
}

func deployJobsRootDir() string {
	return filepath.Join(dataDir(), "jobs", "deploy")
}

func historyDBPath() string {
	return filepath.Join(dataDir(), "history.db")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	m, err := manifest.Load(deployJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid deploy manifest", err)
	}

	if deployDryRun {
		printDeployPlan(m)
		return nil
	}

	if deployBackground {
		return startBackgroundDeploy(m)
	}

	out, closeOut, err := openDeployOutput(m)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot open output destination", err)
	}
	defer closeOut()

	jobID := deployManagedJobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	w := output.NewJSONLWriter(out, jobID, m.Service.Unit)
	defer func() { _ = w.Close() }()

	if deployPreflightMode != "" {
		if err := runDeployPreflight(ctx, m, w); err != nil {
			return err
		}
	}

	// Managed children keep their registry record fresh while running.
	var (
		jobStore *jobregistry.Store
		job      *jobregistry.JobRecord
	)
	if deployManagedJobID != "" {
		jobStore = jobregistry.NewStore(deployJobsRootDir())
		job = loadManagedJob(jobStore, deployManagedJobID, m)
		stop := startManagedHeartbeat(ctx, jobStore, job)
		defer stop()
	}

	deployer, err := buildDeployer(ctx, m, w)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot build deploy pipeline", err)
	}

	startedAt := time.Now().UTC()
	sum, runErr := deployer.Run(ctx)
	finishedAt := time.Now().UTC()

	recordHistory(ctx, jobID, m, sum, runErr, startedAt, finishedAt)
	finalizeManagedJob(jobStore, job, sum, runErr)

	if runErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Deploy failed", runErr)
	}
	return nil
}

func startBackgroundDeploy(m *manifest.Manifest) error {
	executor := jobregistry.NewExecutor(deployJobsRootDir())
	name := deployName
	if name == "" {
		name = m.Service.Unit
	}

	rec, err := executor.StartDeployBackground(deployJobPath, name, jobregistry.BackgroundOptions{Dedupe: true})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot start background deploy", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(os.Stdout, "stdout=%s\n", rec.StdoutPath)
	return nil
}

// openDeployOutput resolves the JSONL destination. The flag wins over the
// manifest; "-", "stdout", or empty means stdout, and a "file:" prefix
// is stripped.
func openDeployOutput(m *manifest.Manifest) (io.Writer, func(), error) {
	dest := deployOutputPath
	if dest == "" {
		dest = m.Output.Destination
	}
	if dest == "" || dest == "-" || dest == "stdout" {
		return os.Stdout, func() {}, nil
	}
	dest = strings.TrimPrefix(dest, "file:")

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func buildDeployer(ctx context.Context, m *manifest.Manifest, w output.Writer) (*pipeline.Deployer, error) {
	runner := hostrun.New()
	logger := observability.CLILogger

	cfg := pipeline.Config{
		Source:      gitsource.New(m.Source.URL, m.Source.Branch, m.Source.Depth, runner),
		Environment: pyenv.New(m.Environment.Interpreter, m.Environment.Venv, m.Environment.Packages, m.RecreateEnv(), runner),
		Supervisor:  supervisor.NewSystemd(m.Service.Unit, m.SudoEnabled(), m.Service.RestartTimeout.Std(), runner),
		Store:       releases.NewStore(m.Releases.Root),
		Rollback:    m.RollbackEnabled(),
		Excludes:    m.Releases.Excludes,
		Keep:        m.Releases.Keep,
		Output:      w,
		Logger:      logger,
	}

	if m.VerifyEnabled() {
		verifier, err := verify.New(verify.Config{
			URL:            m.Verify.URL,
			ExpectStatus:   m.Verify.ExpectStatus,
			BodyRegex:      m.Verify.BodyRegex,
			JSONFields:     verifyJSONFields(m.Verify.JSONFields),
			Attempts:       m.Verify.Attempts,
			Interval:       m.Verify.Interval.Std(),
			BackoffFactor:  m.Verify.BackoffFactor,
			MaxInterval:    m.Verify.MaxInterval.Std(),
			AttemptTimeout: m.Verify.AttemptTimeout.Std(),
		})
		if err != nil {
			return nil, fmt.Errorf("configure verifier: %w", err)
		}
		cfg.Verifier = verifier
	}

	if ac := m.Releases.Archive; ac != nil {
		uploader, err := archive.New(ctx, archive.Config{
			Bucket:          ac.Bucket,
			Region:          ac.Region,
			Prefix:          ac.Prefix,
			Endpoint:        ac.Endpoint,
			Profile:         ac.Profile,
			AccessKeyID:     ac.AccessKeyID,
			SecretAccessKey: ac.SecretAccessKey,
			ForcePathStyle:  ac.Endpoint != "",
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("configure archive uploader: %w", err)
		}
		cfg.Archiver = uploader
	}

	return pipeline.New(cfg)
}

func verifyJSONFields(fields []manifest.VerifyJSONField) []verify.JSONFieldAssertion {
	if len(fields) == 0 {
		return nil
	}
	out := make([]verify.JSONFieldAssertion, len(fields))
	for i, f := range fields {
		out[i] = verify.JSONFieldAssertion{Path: f.Path, Equals: f.Equals}
	}
	return out
}

// printDeployPlan prints what a deploy would do without running anything.
func printDeployPlan(m *manifest.Manifest) {
	fmt.Printf("Deploy plan (dry run):\n")
	fmt.Printf("  Source:      %s (branch %s)\n", m.Source.URL, m.Source.Branch)
	fmt.Printf("  Environment: %s venv at %s\n", m.Environment.Interpreter, m.Environment.Venv)
	fmt.Printf("  Packages:    %s\n", strings.Join(m.Environment.Packages, ", "))
	fmt.Printf("  Service:     %s (sudo=%t)\n", m.Service.Unit, m.SudoEnabled())
	fmt.Printf("  Releases:    %s (keep %d)\n", m.Releases.Root, m.Releases.Keep)
	if m.VerifyEnabled() {
		fmt.Printf("  Verify:      %s (%d attempts, rollback=%t)\n", m.Verify.URL, m.Verify.Attempts, m.RollbackEnabled())
	} else {
		fmt.Printf("  Verify:      disabled (fire-and-forget restart)\n")
	}
	if ac := m.Releases.Archive; ac != nil {
		fmt.Printf("  Archive:     s3://%s/%s\n", ac.Bucket, strings.TrimPrefix(ac.Prefix, "/"))
	}
	fmt.Printf("\nNo host commands executed.\n")
}

// runDeployPreflight probes host capabilities and aborts the deploy when
// any required capability is denied. The record lands in the run's JSONL
// stream ahead of the stage records.
func runDeployPreflight(ctx context.Context, m *manifest.Manifest, w output.Writer) error {
	runner := hostrun.New()
	host := preflight.Host{
		Runner:       runner,
		Supervisor:   supervisor.NewSystemd(m.Service.Unit, m.SudoEnabled(), m.Service.RestartTimeout.Std(), runner),
		Unit:         m.Service.Unit,
		Interpreter:  m.Environment.Interpreter,
		ReleasesRoot: m.Releases.Root,
	}

	rec, err := preflight.Run(ctx, host, deployPreflightMode)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --preflight value", err)
	}
	if err := w.WritePreflight(ctx, rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot write preflight record", err)
	}
	if !preflight.AllAllowed(rec) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Preflight checks failed",
			fmt.Errorf("one or more capabilities are unavailable; see preflight record"))
	}
	return nil
}

// loadManagedJob fetches the record the executor wrote, falling back to a
// fresh record so a lost job.json never aborts the deploy itself.
func loadManagedJob(store *jobregistry.Store, jobID string, m *manifest.Manifest) *jobregistry.JobRecord {
	job, err := store.Get(jobID)
	if err != nil {
		now := time.Now().UTC()
		job = &jobregistry.JobRecord{
			JobID:        jobID,
			State:        jobregistry.JobStateRunning,
			ManifestPath: deployJobPath,
			PID:          os.Getpid(),
			CreatedAt:    now,
			StartedAt:    &now,
		}
	}
	job.Service = m.Service.Unit
	job.Branch = m.Source.Branch
	if job.PID <= 0 {
		job.PID = os.Getpid()
	}
	if job.Identity == nil {
		job.Identity = jobregistry.DetectHostIdentity(context.Background())
	}
	if err := store.Write(job); err != nil {
		observability.CLILogger.Warn("write job record", zap.Error(err))
	}
	return job
}

func finalizeManagedJob(store *jobregistry.Store, job *jobregistry.JobRecord, sum *pipeline.Summary, runErr error) {
	if store == nil || job == nil {
		return
	}

	now := time.Now().UTC()
	job.EndedAt = &now
	job.LastHeartbeat = &now
	if sum != nil {
		job.CommitSHA = sum.CommitSHA
		job.ReleaseID = sum.ReleaseID
		job.FinalState = sum.FinalState
	}

	switch {
	case runErr == nil:
		job.State = jobregistry.JobStateSuccess
	case sum != nil && sum.FinalState == pipeline.StateRolledBack:
		job.State = jobregistry.JobStateRolledBack
	default:
		job.State = jobregistry.JobStateFailed
	}

	if err := store.Write(job); err != nil {
		observability.CLILogger.Warn("write job record", zap.Error(err))
	}
}

// recordHistory appends the run to the local SQLite deploy history. A
// history failure never changes the deploy outcome.
func recordHistory(ctx context.Context, jobID string, m *manifest.Manifest, sum *pipeline.Summary, runErr error, startedAt, finishedAt time.Time) {
	if sum == nil {
		return
	}

	store, err := history.Open(ctx, historyDBPath())
	if err != nil {
		observability.CLILogger.Warn("open deploy history", zap.Error(err))
		return
	}
	defer func() { _ = store.Close() }()

	d := &history.Deployment{
		JobID:           jobID,
		Service:         m.Service.Unit,
		Branch:          m.Source.Branch,
		CommitSHA:       sum.CommitSHA,
		ReleaseID:       sum.ReleaseID,
		FinalState:      sum.FinalState,
		RolledBackTo:    sum.RolledBackTo,
		ArchiveLocation: sum.ArchiveLocation,
		DurationMS:      sum.Duration.Milliseconds(),
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
	}
	if runErr != nil {
		d.Error = runErr.Error()
	}

	if err := store.Record(ctx, d); err != nil {
		observability.CLILogger.Warn("record deploy history", zap.Error(err))
	}
}
