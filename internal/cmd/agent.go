package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/internal/config"
	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/internal/server"
	"github.com/galadon/pushdeploy/internal/server/handlers"
	"github.com/galadon/pushdeploy/pkg/hooks"
	"github.com/galadon/pushdeploy/pkg/jobregistry"
	"github.com/galadon/pushdeploy/pkg/manifest"
	"github.com/galadon/pushdeploy/pkg/output"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the webhook deploy agent",
	Long: `Run the push-to-deploy agent.

The agent listens for GitHub push webhooks, validates their HMAC
signature, and deploys pushes to the manifest's branch through a
single-worker queue so deploys never overlap. Each deploy is recorded
in the job registry and the deploy history database.

The webhook secret comes from PUSHDEPLOY_HOOKS_SECRET; the agent
refuses to start without one.

Examples:
  PUSHDEPLOY_HOOKS_SECRET=... pushdeploy agent --job deploy.yaml
  pushdeploy agent --job deploy.yaml --host 0.0.0.0 --port 9000`,
	RunE: runAgent,
}

var (
	agentJobPath string
	agentHost    string
	agentPort    int
)

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringVarP(&agentJobPath, "job", "j", "", "Path to deploy manifest (required)")
	_ = agentCmd.MarkFlagRequired("job")
	agentCmd.Flags().StringVar(&agentHost, "host", "", "Listen host (overrides config)")
	agentCmd.Flags().IntVar(&agentPort, "port", 0, "Listen port (overrides config)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	overrides := map[string]any{}
	if agentHost != "" {
		overrides["server"] = map[string]any{"host": agentHost}
	}
	if agentPort != 0 {
		sv, _ := overrides["server"].(map[string]any)
		if sv == nil {
			sv = map[string]any{}
		}
		sv["port"] = agentPort
		overrides["server"] = sv
	}

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid agent configuration", err)
	}
	if cfg.Hooks.Secret == "" {
		return exitError(foundry.ExitInvalidArgument, "Webhook secret is required",
			fmt.Errorf("set PUSHDEPLOY_HOOKS_SECRET; an unauthenticated deploy endpoint is not supported"))
	}

	m, err := manifest.Load(agentJobPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid deploy manifest", err)
	}

	// Detected once at startup; every queued deploy job reuses it.
	identity := jobregistry.DetectHostIdentity(ctx)

	queue := hooks.NewQueue(cfg.Hooks.QueueSize, agentDeployFunc(m, identity), logger)

	if cfg.Health.Enabled {
		manager := handlers.InitHealthManager(versionInfo.Version)
		manager.RegisterChecker("manifest", manifestHealthChecker{path: agentJobPath})
		manager.RegisterChecker("data_dir", dataDirHealthChecker{})
		manager.RegisterChecker("queue", queueHealthChecker{queue: queue})
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithWebhook(handlers.NewWebhookHandler(handlers.WebhookConfig{
			Secret: cfg.Hooks.Secret,
			Branch: m.Source.Branch,
			Queue:  queue,
			Logger: logger,
		})),
	)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		queue.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	logger.Info("agent started",
		zap.String("service", m.Service.Unit),
		zap.String("branch", m.Source.Branch),
		zap.Int("queue_capacity", cfg.Hooks.QueueSize))

	select {
	case err := <-serveErr:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Agent server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("agent shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}

	// Let an in-flight deploy finish rather than leaving the host half
	// deployed; the pipeline observes ctx and aborts on a second signal.
	select {
	case <-workerDone:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("deploy worker did not stop before timeout")
	}
	return nil
}

// agentDeployFunc runs one queued trigger as a registered deploy job.
func agentDeployFunc(m *manifest.Manifest, identity *jobregistry.HostIdentity) hooks.DeployFunc {
	return func(ctx context.Context, trig hooks.Trigger) error {
		logger := observability.CLILogger
		store := jobregistry.NewStore(deployJobsRootDir())

		now := time.Now().UTC()
		job := &jobregistry.JobRecord{
			JobID:        trig.JobID,
			Name:         m.Service.Unit,
			State:        jobregistry.JobStateRunning,
			ManifestPath: agentJobPath,
			Service:      m.Service.Unit,
			Branch:       trig.Branch,
			PID:          os.Getpid(),
			CreatedAt:    now,
			StartedAt:    &now,
			CommitSHA:    trig.CommitSHA,
			Identity:     identity,
		}
		if err := store.Write(job); err != nil {
			logger.Warn("write job record", zap.Error(err))
		}

		runPath := store.JobDir(trig.JobID) + "/run.jsonl"
		f, err := os.OpenFile(runPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open run output: %w", err)
		}
		defer func() { _ = f.Close() }()

		w := output.NewJSONLWriter(f, trig.JobID, m.Service.Unit)
		defer func() { _ = w.Close() }()

		deployer, err := buildDeployer(ctx, m, w)
		if err != nil {
			return fmt.Errorf("build deploy pipeline: %w", err)
		}

		stop := startManagedHeartbeat(ctx, store, job)
		defer stop()

		startedAt := time.Now().UTC()
		sum, runErr := deployer.Run(ctx)
		finishedAt := time.Now().UTC()

		recordHistory(ctx, trig.JobID, m, sum, runErr, startedAt, finishedAt)
		finalizeManagedJob(store, job, sum, runErr)

		return runErr
	}
}

type manifestHealthChecker struct {
	path string
}

func (c manifestHealthChecker) CheckHealth(ctx context.Context) error {
	if _, err := os.Stat(c.path); err != nil {
		return fmt.Errorf("manifest unreadable: %w", err)
	}
	return nil
}

// queueHealthChecker fails readiness while the trigger queue cannot
// accept another push.
type queueHealthChecker struct {
	queue *hooks.Queue
}

func (c queueHealthChecker) CheckHealth(ctx context.Context) error {
	return c.queue.Ready()
}

type dataDirHealthChecker struct{}

func (dataDirHealthChecker) CheckHealth(ctx context.Context) error {
	dir := dataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("data dir unavailable: %w", err)
	}
	return nil
}
