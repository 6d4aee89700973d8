package supervisor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/galadon/pushdeploy/pkg/hostrun"
)

// Systemd controls a unit through systemctl.
type Systemd struct {
	// Unit is the unit name without the .service suffix.
	Unit string

	// Sudo prefixes systemctl invocations with sudo. Required when the
	// deploy user is unprivileged; sudoers must allow the systemctl
	// commands without a password.
	Sudo bool

	// Timeout bounds each systemctl invocation. Zero means no bound
	// beyond the caller's context.
	Timeout time.Duration

	runner hostrun.Runner
}

// NewSystemd creates a systemd supervisor for the given unit.
func NewSystemd(unit string, sudo bool, timeout time.Duration, runner hostrun.Runner) *Systemd {
	return &Systemd{Unit: unit, Sudo: sudo, Timeout: timeout, runner: runner}
}

// Restart restarts the unit, starting it if it was stopped.
func (s *Systemd) Restart(ctx context.Context) error {
	return s.control(ctx, "restart")
}

// Start starts the unit.
func (s *Systemd) Start(ctx context.Context) error {
	return s.control(ctx, "start")
}

// Stop stops the unit.
func (s *Systemd) Stop(ctx context.Context) error {
	return s.control(ctx, "stop")
}

// IsActive reports whether the unit is active.
//
// systemctl is-active exits non-zero for every inactive state, so a
// command error with a recognizable state on stdout is not a failure.
func (s *Systemd) IsActive(ctx context.Context) (bool, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	res, err := s.runner.Run(ctx, s.spec("is-active"))
	state := strings.TrimSpace(res.Stdout)
	if err == nil {
		return state == "active", nil
	}

	var cmdErr *hostrun.CommandError
	if errors.As(err, &cmdErr) {
		switch state {
		case "inactive", "failed", "activating", "deactivating":
			return false, nil
		}
		return false, &Error{Op: "is-active", Unit: s.Unit, Err: classify(cmdErr)}
	}
	return false, &Error{Op: "is-active", Unit: s.Unit, Err: err}
}

func (s *Systemd) control(ctx context.Context, verb string) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	_, err := s.runner.Run(ctx, s.spec(verb))
	if err == nil {
		return nil
	}

	var cmdErr *hostrun.CommandError
	if errors.As(err, &cmdErr) {
		return &Error{Op: verb, Unit: s.Unit, Err: classify(cmdErr)}
	}
	return &Error{Op: verb, Unit: s.Unit, Err: err}
}

func (s *Systemd) spec(verb string) hostrun.Spec {
	name := "systemctl"
	args := []string{verb, s.Unit}
	if s.Sudo {
		name = "sudo"
		args = append([]string{"-n", "systemctl"}, args...)
	}
	return hostrun.Spec{Name: name, Args: args}
}

// classify maps systemctl stderr to sentinel errors.
func classify(err *hostrun.CommandError) error {
	stderr := strings.ToLower(err.Stderr)
	switch {
	case strings.Contains(stderr, "not found") || strings.Contains(stderr, "not be found") ||
		strings.Contains(stderr, "not loaded") || strings.Contains(stderr, "no such unit"):
		return errors.Join(ErrUnitNotFound, err)
	case strings.Contains(stderr, "access denied") || strings.Contains(stderr, "permission denied") ||
		strings.Contains(stderr, "interactive authentication required") || strings.Contains(stderr, "a password is required"):
		return errors.Join(ErrPermissionDenied, err)
	case strings.Contains(stderr, "failed to connect to bus") || strings.Contains(stderr, "has not been booted with systemd"):
		return errors.Join(ErrSupervisorUnavailable, err)
	default:
		return err
	}
}
