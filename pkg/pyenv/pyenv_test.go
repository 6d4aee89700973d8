package pyenv

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadon/pushdeploy/pkg/hostrun"
)

type fakeRunner struct {
	specs []hostrun.Spec
	errAt int
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, spec hostrun.Spec) (hostrun.Result, error) {
	f.specs = append(f.specs, spec)
	if f.err != nil && len(f.specs) == f.errAt {
		return hostrun.Result{}, f.err
	}
	return hostrun.Result{}, nil
}

func TestProvision_CommandSequence(t *testing.T) {
	runner := &fakeRunner{}
	env := New("python3", "/srv/app/venv", []string{"flask", "gunicorn"}, true, runner)

	require.NoError(t, env.Provision(context.Background()))

	require.Len(t, runner.specs, 2)
	assert.Equal(t, "python3", runner.specs[0].Name)
	assert.Equal(t, []string{"-m", "venv", "--clear", "/srv/app/venv"}, runner.specs[0].Args)
	assert.Equal(t, "/srv/app/venv/bin/pip", runner.specs[1].Name)
	assert.Equal(t, []string{"install", "--upgrade", "flask", "gunicorn"}, runner.specs[1].Args)
}

func TestProvision_NoClearWithoutRecreate(t *testing.T) {
	runner := &fakeRunner{}
	env := New("python3", "/srv/app/venv", []string{"flask"}, false, runner)

	require.NoError(t, env.Provision(context.Background()))
	assert.Equal(t, []string{"-m", "venv", "/srv/app/venv"}, runner.specs[0].Args)
}

func TestPipArgs_IndependentOfRepositoryContent(t *testing.T) {
	// The install command is a pure function of the manifest package set.
	a := New("python3", "/v", []string{"flask", "gunicorn"}, true, nil)
	b := New("python3", "/v", []string{"flask", "gunicorn"}, true, nil)
	assert.Equal(t, a.PipArgs(), b.PipArgs())
}

func TestProvision_PipFailure(t *testing.T) {
	runner := &fakeRunner{errAt: 2, err: errors.New("no matching distribution")}
	env := New("python3", "/srv/app/venv", []string{"flask"}, true, runner)

	err := env.Provision(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install packages")
}

func TestProvision_EmptyPackageSet(t *testing.T) {
	env := New("python3", "/srv/app/venv", nil, true, &fakeRunner{})
	err := env.Provision(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "package set is empty")
}
