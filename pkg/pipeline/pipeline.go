// Package pipeline runs the deploy state machine.
//
// A run moves through a linear sequence of stages:
//
//	Triggered -> CheckedOut -> EnvironmentReady -> ServiceRestarted -> Verified
//
// Any stage failure moves the run to Failed. A failed verification with a
// previous release available moves it to RolledBack instead: the previous
// release is re-activated and the service restarted before the run ends.
// Runs against the same target must not overlap; the caller serializes
// them (the agent uses a single worker queue, the CLI a job registry).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/pkg/gitsource"
	"github.com/galadon/pushdeploy/pkg/output"
	"github.com/galadon/pushdeploy/pkg/releases"
	"github.com/galadon/pushdeploy/pkg/supervisor"
	"github.com/galadon/pushdeploy/pkg/verify"
)

// Pipeline states.
const (
	StateTriggered        = "Triggered"
	StateCheckedOut       = "CheckedOut"
	StateEnvironmentReady = "EnvironmentReady"
	StateServiceRestarted = "ServiceRestarted"
	StateVerified         = "Verified"
	StateRolledBack       = "RolledBack"
	StateFailed           = "Failed"
)

// Stage names used in stage records.
const (
	stageCheckout    = "checkout"
	stageEnvironment = "environment"
	stageRestart     = "restart"
	stageVerify      = "verify"
	stageRollback    = "rollback"
	stageArchive     = "archive"
)

// Source produces a working tree for the commit being deployed.
type Source interface {
	Clone(ctx context.Context, dest string) (*gitsource.Checkout, error)
}

// Environment provisions the isolated runtime environment.
type Environment interface {
	Provision(ctx context.Context) error
}

// Verifier confirms the restarted service is live.
type Verifier interface {
	Run(ctx context.Context) (*verify.Outcome, error)
}

// Archiver uploads an activated release for retention.
type Archiver interface {
	Archive(ctx context.Context, releaseDir, releaseID string) (string, error)
}

// Config wires a Deployer's collaborators.
type Config struct {
	Source      Source
	Environment Environment
	Supervisor  supervisor.Supervisor
	Store       *releases.Store

	// Verifier is optional. Nil disables verification and the run ends
	// at ServiceRestarted.
	Verifier Verifier

	// Rollback restores the previous release when verification fails.
	Rollback bool

	// Archiver is optional. Archive failures are warnings, not deploy
	// failures.
	Archiver Archiver

	// Excludes are glob patterns dropped when materializing the release.
	Excludes []string

	// Keep is how many releases to retain after a successful run.
	Keep int

	// Output receives stage, error, and summary records.
	Output output.Writer

	Logger *zap.Logger

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time

	// TempDir hosts the checkout working tree. Defaults to os.TempDir.
	TempDir string
}

// Summary is the result of a completed run.
type Summary struct {
	FinalState      string
	CommitSHA       string
	ReleaseID       string
	RolledBackTo    string
	ArchiveLocation string
	Duration        time.Duration
	Err             error
}

// Deployer executes deploy runs.
type Deployer struct {
	cfg Config
}

// New validates the configuration and creates a Deployer.
func New(cfg Config) (*Deployer, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("pipeline: source is required")
	}
	if cfg.Environment == nil {
		return nil, fmt.Errorf("pipeline: environment is required")
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("pipeline: supervisor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: release store is required")
	}
	if cfg.Output == nil {
		return nil, fmt.Errorf("pipeline: output writer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Deployer{cfg: cfg}, nil
}

// Run executes one deploy and reports how it ended.
//
// The returned error is non-nil exactly when the run did not reach a
// success state. RolledBack counts as a failure: the push was not
// deployed, even though the service is back on known-good code.
func (d *Deployer) Run(ctx context.Context) (*Summary, error) {
	start := d.cfg.Now()
	sum := &Summary{FinalState: StateTriggered}

	d.cfg.Logger.Info("deploy started")

	err := d.run(ctx, sum)
	sum.Duration = d.cfg.Now().Sub(start)
	sum.Err = err

	d.writeSummary(ctx, sum)

	if err != nil {
		d.cfg.Logger.Error("deploy finished",
			zap.String("final_state", sum.FinalState),
			zap.Duration("duration", sum.Duration),
			zap.Error(err))
		return sum, err
	}

	d.cfg.Logger.Info("deploy finished",
		zap.String("final_state", sum.FinalState),
		zap.String("release_id", sum.ReleaseID),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

func (d *Deployer) run(ctx context.Context, sum *Summary) error {
	// Checkout: fresh clone, resolve HEAD, materialize the release tree.
	if err := d.checkout(ctx, sum); err != nil {
		sum.FinalState = StateFailed
		d.writeError(ctx, output.ErrCodeCheckout, err, stageCheckout)
		return err
	}
	sum.FinalState = StateCheckedOut

	// Environment: recreate the venv with the fixed package set.
	if err := d.stage(ctx, stageEnvironment, sum, func() error {
		return d.cfg.Environment.Provision(ctx)
	}); err != nil {
		sum.FinalState = StateFailed
		d.writeError(ctx, output.ErrCodeEnvironment, err, stageEnvironment)
		return err
	}
	sum.FinalState = StateEnvironmentReady

	// Activation happens between environment and restart. The previous
	// release is captured first so a failed verify knows where to return.
	prev, err := d.cfg.Store.Current()
	if err != nil && !errors.Is(err, releases.ErrNoCurrent) {
		sum.FinalState = StateFailed
		d.writeError(ctx, output.ErrCodeInternal, err, stageRestart)
		return err
	}
	if err := d.cfg.Store.Activate(sum.ReleaseID); err != nil {
		sum.FinalState = StateFailed
		d.writeError(ctx, output.ErrCodeInternal, err, stageRestart)
		return err
	}

	// Restart: the supervisor starts serving the activated release.
	if err := d.stage(ctx, stageRestart, sum, func() error {
		return d.cfg.Supervisor.Restart(ctx)
	}); err != nil {
		sum.FinalState = StateFailed
		d.writeError(ctx, output.ErrCodeRestart, err, stageRestart)
		return err
	}
	sum.FinalState = StateServiceRestarted

	// Verify: the run succeeds only once the new process proves liveness.
	if d.cfg.Verifier != nil {
		if err := d.verifyAndMaybeRollback(ctx, sum, prev); err != nil {
			return err
		}
		sum.FinalState = StateVerified
	}

	// Archive and prune are post-success housekeeping.
	d.archive(ctx, sum)
	if d.cfg.Keep > 0 {
		if _, err := d.cfg.Store.Prune(d.cfg.Keep); err != nil {
			d.cfg.Logger.Warn("prune failed", zap.Error(err))
		}
	}

	return nil
}

func (d *Deployer) checkout(ctx context.Context, sum *Summary) error {
	stageStart := d.cfg.Now()
	d.writeStage(ctx, &output.StageRecord{Stage: stageCheckout, Status: output.StageStarted})

	workDir, err := os.MkdirTemp(d.cfg.TempDir, "pushdeploy-checkout-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	co, err := d.cfg.Source.Clone(ctx, workDir+"/src")
	if err != nil {
		d.writeStage(ctx, &output.StageRecord{Stage: stageCheckout, Status: output.StageFailed})
		return err
	}
	sum.CommitSHA = co.CommitSHA
	sum.ReleaseID = releases.NewID(d.cfg.Now(), co.CommitSHA)

	if _, err := d.cfg.Store.Materialize(co.Dir, sum.ReleaseID, d.cfg.Excludes); err != nil {
		d.writeStage(ctx, &output.StageRecord{
			Stage: stageCheckout, Status: output.StageFailed,
			CommitSHA: sum.CommitSHA, ReleaseID: sum.ReleaseID,
		})
		return err
	}

	d.writeStage(ctx, &output.StageRecord{
		Stage: stageCheckout, Status: output.StageCompleted,
		CommitSHA: sum.CommitSHA, ReleaseID: sum.ReleaseID,
		DurationMS: d.cfg.Now().Sub(stageStart).Milliseconds(),
	})
	return nil
}

// stage wraps fn with started/completed/failed records.
func (d *Deployer) stage(ctx context.Context, name string, sum *Summary, fn func() error) error {
	stageStart := d.cfg.Now()
	d.writeStage(ctx, &output.StageRecord{
		Stage: name, Status: output.StageStarted,
		CommitSHA: sum.CommitSHA, ReleaseID: sum.ReleaseID,
	})

	if err := fn(); err != nil {
		d.writeStage(ctx, &output.StageRecord{
			Stage: name, Status: output.StageFailed,
			CommitSHA: sum.CommitSHA, ReleaseID: sum.ReleaseID,
		})
		return err
	}

	d.writeStage(ctx, &output.StageRecord{
		Stage: name, Status: output.StageCompleted,
		CommitSHA: sum.CommitSHA, ReleaseID: sum.ReleaseID,
		DurationMS: d.cfg.Now().Sub(stageStart).Milliseconds(),
	})
	return nil
}

// verifyAndMaybeRollback polls liveness and restores the previous release
// when the new process never comes up.
func (d *Deployer) verifyAndMaybeRollback(ctx context.Context, sum *Summary, prev string) error {
	verr := d.stage(ctx, stageVerify, sum, func() error {
		_, err := d.cfg.Verifier.Run(ctx)
		return err
	})
	if verr == nil {
		return nil
	}
	d.writeError(ctx, output.ErrCodeVerify, verr, stageVerify)

	if !d.cfg.Rollback || prev == "" {
		sum.FinalState = StateFailed
		return verr
	}

	d.cfg.Logger.Warn("verification failed, rolling back",
		zap.String("release_id", sum.ReleaseID),
		zap.String("previous", prev),
		zap.Error(verr))

	rberr := d.stage(ctx, stageRollback, sum, func() error {
		if err := d.cfg.Store.Activate(prev); err != nil {
			return err
		}
		return d.cfg.Supervisor.Restart(ctx)
	})
	if rberr != nil {
		// Both the new release and the rollback failed. The host needs
		// operator attention; report the rollback error.
		sum.FinalState = StateFailed
		d.writeError(ctx, output.ErrCodeInternal, rberr, stageRollback)
		return fmt.Errorf("verify failed (%v); rollback also failed: %w", verr, rberr)
	}

	sum.FinalState = StateRolledBack
	sum.RolledBackTo = prev
	return verr
}

// archive uploads the activated release. Failures are warnings.
func (d *Deployer) archive(ctx context.Context, sum *Summary) {
	if d.cfg.Archiver == nil {
		return
	}

	err := d.stage(ctx, stageArchive, sum, func() error {
		loc, err := d.cfg.Archiver.Archive(ctx, d.cfg.Store.Path(sum.ReleaseID), sum.ReleaseID)
		if err != nil {
			return err
		}
		sum.ArchiveLocation = loc
		return nil
	})
	if err != nil {
		d.writeError(ctx, output.ErrCodeArchive, err, stageArchive)
		d.cfg.Logger.Warn("archive failed", zap.Error(err))
	}
}

func (d *Deployer) writeStage(ctx context.Context, rec *output.StageRecord) {
	if err := d.cfg.Output.WriteStage(ctx, rec); err != nil {
		d.cfg.Logger.Warn("write stage record", zap.Error(err))
	}
}

func (d *Deployer) writeError(ctx context.Context, code string, err error, stage string) {
	rec := &output.ErrorRecord{Code: code, Message: err.Error(), Stage: stage}
	if werr := d.cfg.Output.WriteError(ctx, rec); werr != nil {
		d.cfg.Logger.Warn("write error record", zap.Error(werr))
	}
}

func (d *Deployer) writeSummary(ctx context.Context, sum *Summary) {
	rec := &output.SummaryRecord{
		FinalState:      sum.FinalState,
		CommitSHA:       sum.CommitSHA,
		ReleaseID:       sum.ReleaseID,
		RolledBackTo:    sum.RolledBackTo,
		ArchiveLocation: sum.ArchiveLocation,
		Duration:        sum.Duration,
		DurationHuman:   sum.Duration.String(),
	}
	if sum.Err != nil {
		rec.Error = sum.Err.Error()
	}
	if err := d.cfg.Output.WriteSummary(ctx, rec); err != nil {
		d.cfg.Logger.Warn("write summary record", zap.Error(err))
	}
}
