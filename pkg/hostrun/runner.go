// Package hostrun executes commands on the deployment host.
//
// Checkout, environment provisioning, and supervisor control all shell out
// to host binaries (git, python, systemctl). They share this runner so
// tests can substitute a fake and assert on the exact argv.
package hostrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Spec describes one command invocation.
type Spec struct {
	// Name is the binary to run, resolved via PATH unless absolute.
	Name string

	// Args are the command arguments, not including the binary name.
	Args []string

	// Dir is the working directory. Empty means the process cwd.
	Dir string

	// Env is appended to the inherited environment.
	Env []string
}

// Result captures the outcome of a completed command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs host commands.
//
// Implementations must respect context cancellation: a cancelled context
// kills the child process.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, spec Spec) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, spec Spec) (Result, error) {
	return f(ctx, spec)
}

// CommandError is returned when a command exits non-zero.
type CommandError struct {
	Spec     Spec
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		return fmt.Sprintf("%s exited with code %d", e.Spec.Name, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Spec.Name, e.ExitCode, detail)
}

// maxCapturedBytes caps captured stdout/stderr so a chatty child (pip,
// git clone progress) cannot balloon memory. Output past the cap is
// discarded, not truncated mid-stream.
const maxCapturedBytes = 1 << 20

// ExecRunner runs commands as OS processes.
type ExecRunner struct{}

// New returns a Runner backed by os/exec.
func New() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the spec and returns captured output.
//
// A non-zero exit returns the Result alongside a *CommandError so callers
// can inspect stderr. Other failures (binary missing, context cancelled)
// return the underlying error.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return Result{}, fmt.Errorf("command name is required")
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &cappedWriter{w: &stdout}
	cmd.Stderr = &cappedWriter{w: &stderr}

	err := cmd.Run()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &CommandError{Spec: spec, ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		return res, fmt.Errorf("run %s: %w", spec.Name, err)
	}

	return res, nil
}

type cappedWriter struct {
	w *bytes.Buffer
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if c.w.Len() >= maxCapturedBytes {
		return len(p), nil
	}
	remaining := maxCapturedBytes - c.w.Len()
	if len(p) > remaining {
		_, _ = c.w.Write(p[:remaining])
		return len(p), nil
	}
	return c.w.Write(p)
}
