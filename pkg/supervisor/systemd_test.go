package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadon/pushdeploy/pkg/hostrun"
)

type fakeRunner struct {
	specs  []hostrun.Spec
	result hostrun.Result
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, spec hostrun.Spec) (hostrun.Result, error) {
	f.specs = append(f.specs, spec)
	return f.result, f.err
}

func TestRestart_SudoArgv(t *testing.T) {
	runner := &fakeRunner{}
	s := NewSystemd("flask-app", true, 0, runner)

	require.NoError(t, s.Restart(context.Background()))
	require.Len(t, runner.specs, 1)
	assert.Equal(t, "sudo", runner.specs[0].Name)
	assert.Equal(t, []string{"-n", "systemctl", "restart", "flask-app"}, runner.specs[0].Args)
}

func TestRestart_NoSudoArgv(t *testing.T) {
	runner := &fakeRunner{}
	s := NewSystemd("flask-app", false, 0, runner)

	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, "systemctl", runner.specs[0].Name)
	assert.Equal(t, []string{"restart", "flask-app"}, runner.specs[0].Args)
}

func TestControl_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		check  func(error) bool
	}{
		{
			name:   "unit not found",
			stderr: "Failed to restart flask-app.service: Unit flask-app.service not found.",
			check:  IsUnitNotFound,
		},
		{
			name:   "permission denied",
			stderr: "Failed to restart flask-app.service: Access denied",
			check:  IsPermissionDenied,
		},
		{
			name:   "sudo needs password",
			stderr: "sudo: a password is required",
			check:  IsPermissionDenied,
		},
		{
			name:   "no systemd",
			stderr: "Failed to connect to bus: No such file or directory",
			check:  IsSupervisorUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{
				err: &hostrun.CommandError{ExitCode: 1, Stderr: tt.stderr},
			}
			s := NewSystemd("flask-app", false, 0, runner)

			err := s.Restart(context.Background())
			require.Error(t, err)
			assert.True(t, tt.check(err), "classifier did not match: %v", err)

			var serr *Error
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, "restart", serr.Op)
			assert.Equal(t, "flask-app", serr.Unit)
		})
	}
}

func TestIsActive_States(t *testing.T) {
	t.Run("active", func(t *testing.T) {
		runner := &fakeRunner{result: hostrun.Result{Stdout: "active\n"}}
		s := NewSystemd("flask-app", false, 0, runner)

		active, err := s.IsActive(context.Background())
		require.NoError(t, err)
		assert.True(t, active)
	})

	t.Run("inactive exits non-zero", func(t *testing.T) {
		runner := &fakeRunner{
			result: hostrun.Result{Stdout: "inactive\n"},
			err:    &hostrun.CommandError{ExitCode: 3, Stderr: ""},
		}
		s := NewSystemd("flask-app", false, 0, runner)

		active, err := s.IsActive(context.Background())
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("failed state is not an error", func(t *testing.T) {
		runner := &fakeRunner{
			result: hostrun.Result{Stdout: "failed\n"},
			err:    &hostrun.CommandError{ExitCode: 3},
		}
		s := NewSystemd("flask-app", false, 0, runner)

		active, err := s.IsActive(context.Background())
		require.NoError(t, err)
		assert.False(t, active)
	})

	t.Run("missing unit is an error", func(t *testing.T) {
		runner := &fakeRunner{
			result: hostrun.Result{},
			err:    &hostrun.CommandError{ExitCode: 4, Stderr: "Unit flask-app.service could not be found."},
		}
		s := NewSystemd("flask-app", false, 0, runner)

		_, err := s.IsActive(context.Background())
		require.Error(t, err)
		assert.True(t, IsUnitNotFound(err))
	})
}
