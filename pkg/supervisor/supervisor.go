// Package supervisor controls the service unit that serves the deployed
// application.
//
// Only systemd is implemented. The Supervisor interface keeps the pipeline
// decoupled from systemctl so tests can substitute a fake, and leaves room
// for other supervisors behind the same operations.
package supervisor

import (
	"context"
	"errors"
	"fmt"
)

// Supervisor manages a service unit.
type Supervisor interface {
	// Restart restarts the unit, starting it if it was stopped.
	Restart(ctx context.Context) error

	// Start starts the unit.
	Start(ctx context.Context) error

	// Stop stops the unit.
	Stop(ctx context.Context) error

	// IsActive reports whether the unit is currently active.
	IsActive(ctx context.Context) (bool, error)
}

// Sentinel errors for supervisor failure classification.
var (
	// ErrUnitNotFound indicates the unit does not exist on the host.
	ErrUnitNotFound = errors.New("unit not found")

	// ErrPermissionDenied indicates the caller may not control the unit.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSupervisorUnavailable indicates the supervisor itself is not
	// reachable (no systemd, no D-Bus, not PID 1).
	ErrSupervisorUnavailable = errors.New("supervisor unavailable")
)

// Error wraps a supervisor failure with operation context.
type Error struct {
	// Op is the operation that failed (restart, start, stop, is-active).
	Op string

	// Unit is the unit the operation targeted.
	Unit string

	// Err is the underlying error, possibly a sentinel.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("supervisor: %s %s: %v", e.Op, e.Unit, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnitNotFound reports whether err indicates a missing unit.
func IsUnitNotFound(err error) bool {
	return errors.Is(err, ErrUnitNotFound)
}

// IsPermissionDenied reports whether err indicates an access failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsSupervisorUnavailable reports whether err indicates the supervisor
// itself is unreachable.
func IsSupervisorUnavailable(err error) bool {
	return errors.Is(err, ErrSupervisorUnavailable)
}
