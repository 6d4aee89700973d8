// Package pyenv provisions the isolated Python environment a release runs in.
//
// The environment is rebuilt from the manifest's fixed package set on
// every deploy. Repository content never influences what gets installed,
// so two runs of the same manifest always issue identical pip commands.
package pyenv

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/galadon/pushdeploy/pkg/hostrun"
)

// Env provisions a virtualenv.
type Env struct {
	// Interpreter creates the venv, e.g. "python3".
	Interpreter string

	// Path is the virtualenv directory.
	Path string

	// Packages is the fixed set of packages to install.
	Packages []string

	// Recreate wipes any existing venv before provisioning.
	Recreate bool

	runner hostrun.Runner
}

// New creates an Env backed by the given runner.
func New(interpreter, path string, packages []string, recreate bool, runner hostrun.Runner) *Env {
	return &Env{
		Interpreter: interpreter,
		Path:        path,
		Packages:    packages,
		Recreate:    recreate,
		runner:      runner,
	}
}

// VenvArgs returns the interpreter arguments that create the venv.
//
// With Recreate set, --clear wipes the existing environment so stale
// packages from earlier deploys cannot survive.
func (e *Env) VenvArgs() []string {
	args := []string{"-m", "venv"}
	if e.Recreate {
		args = append(args, "--clear")
	}
	return append(args, e.Path)
}

// PipArgs returns the pip install arguments for the fixed package set.
func (e *Env) PipArgs() []string {
	return append([]string{"install", "--upgrade"}, e.Packages...)
}

// Pip returns the path of the venv's pip binary.
func (e *Env) Pip() string {
	return filepath.Join(e.Path, "bin", "pip")
}

// Python returns the path of the venv's python binary.
func (e *Env) Python() string {
	return filepath.Join(e.Path, "bin", "python")
}

// Provision creates the venv and installs the package set.
func (e *Env) Provision(ctx context.Context) error {
	if strings.TrimSpace(e.Path) == "" {
		return fmt.Errorf("pyenv: venv path is required")
	}
	if len(e.Packages) == 0 {
		return fmt.Errorf("pyenv: package set is empty")
	}

	if _, err := e.runner.Run(ctx, hostrun.Spec{Name: e.Interpreter, Args: e.VenvArgs()}); err != nil {
		return fmt.Errorf("pyenv: create venv at %s: %w", e.Path, err)
	}

	if _, err := e.runner.Run(ctx, hostrun.Spec{Name: e.Pip(), Args: e.PipArgs()}); err != nil {
		return fmt.Errorf("pyenv: install packages: %w", err)
	}

	return nil
}
