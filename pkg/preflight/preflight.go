// Package preflight checks host capabilities before a deploy mutates
// anything.
//
// Two modes are supported. Plan-only reports the checks that would run
// without executing anything on the host. Read-safe executes strictly
// read-only commands (version queries, unit status, directory stats) and
// reports real results. Neither mode writes to the host.
package preflight

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/galadon/pushdeploy/pkg/hostrun"
	"github.com/galadon/pushdeploy/pkg/output"
	"github.com/galadon/pushdeploy/pkg/supervisor"
)

// Modes for preflight checks.
const (
	// ModePlanOnly reports checks without executing host commands.
	ModePlanOnly = "plan-only"

	// ModeReadSafe executes read-only host commands.
	ModeReadSafe = "read-safe"
)

// Capability names reported in preflight results.
const (
	CapGit        = "git"
	CapPython     = "python"
	CapSupervisor = "supervisor"
	CapReleases   = "releases_root"
)

// Host describes the deployment host surface preflight inspects.
type Host struct {
	// Runner executes read-only commands in read-safe mode.
	Runner hostrun.Runner

	// Supervisor answers unit status queries in read-safe mode.
	Supervisor supervisor.Supervisor

	// Unit is the service unit name, used in result detail.
	Unit string

	// GitBin is the git binary. Empty means "git".
	GitBin string

	// Interpreter is the Python interpreter.
	Interpreter string

	// ReleasesRoot is the deployment root directory.
	ReleasesRoot string
}

// Run performs preflight checks and returns a record for JSONL output.
//
// An unknown mode is an error. Individual failed checks are not errors;
// they are reported with Allowed=false so the caller decides whether to
// proceed.
func Run(ctx context.Context, host Host, mode string) (*output.PreflightRecord, error) {
	switch mode {
	case ModePlanOnly:
		return planOnly(host), nil
	case ModeReadSafe:
		return readSafe(ctx, host), nil
	default:
		return nil, fmt.Errorf("preflight: unknown mode %q", mode)
	}
}

func planOnly(host Host) *output.PreflightRecord {
	return &output.PreflightRecord{
		Mode: ModePlanOnly,
		Results: []output.PreflightCheckResult{
			{Capability: CapGit, Allowed: true, Method: "plan", Detail: fmt.Sprintf("would run %s --version", gitBin(host))},
			{Capability: CapPython, Allowed: true, Method: "plan", Detail: fmt.Sprintf("would run %s --version", host.Interpreter)},
			{Capability: CapSupervisor, Allowed: true, Method: "plan", Detail: fmt.Sprintf("would query status of unit %s", host.Unit)},
			{Capability: CapReleases, Allowed: true, Method: "plan", Detail: fmt.Sprintf("would stat %s", host.ReleasesRoot)},
		},
	}
}

func readSafe(ctx context.Context, host Host) *output.PreflightRecord {
	rec := &output.PreflightRecord{Mode: ModeReadSafe}

	rec.Results = append(rec.Results, checkBinary(ctx, host.Runner, CapGit, gitBin(host)))
	rec.Results = append(rec.Results, checkBinary(ctx, host.Runner, CapPython, host.Interpreter))
	rec.Results = append(rec.Results, checkSupervisor(ctx, host))
	rec.Results = append(rec.Results, checkReleasesRoot(host.ReleasesRoot))

	return rec
}

// checkBinary verifies a binary responds to --version.
func checkBinary(ctx context.Context, runner hostrun.Runner, capability, bin string) output.PreflightCheckResult {
	res, err := runner.Run(ctx, hostrun.Spec{Name: bin, Args: []string{"--version"}})
	if err != nil {
		return output.PreflightCheckResult{
			Capability: capability,
			Allowed:    false,
			Method:     "version_query",
			Detail:     err.Error(),
		}
	}
	return output.PreflightCheckResult{
		Capability: capability,
		Allowed:    true,
		Method:     "version_query",
		Detail:     firstLine(res.Stdout),
	}
}

// checkSupervisor verifies the supervisor is reachable and knows the unit.
// An inactive unit still passes: restart will start it.
func checkSupervisor(ctx context.Context, host Host) output.PreflightCheckResult {
	active, err := host.Supervisor.IsActive(ctx)
	if err != nil {
		return output.PreflightCheckResult{
			Capability: CapSupervisor,
			Allowed:    false,
			Method:     "unit_status",
			Detail:     err.Error(),
		}
	}
	detail := fmt.Sprintf("unit %s is inactive", host.Unit)
	if active {
		detail = fmt.Sprintf("unit %s is active", host.Unit)
	}
	return output.PreflightCheckResult{
		Capability: CapSupervisor,
		Allowed:    true,
		Method:     "unit_status",
		Detail:     detail,
	}
}

// checkReleasesRoot verifies the deployment root exists and is a directory.
// A missing root still passes: the first deploy creates it.
func checkReleasesRoot(root string) output.PreflightCheckResult {
	info, err := os.Stat(root)
	switch {
	case os.IsNotExist(err):
		return output.PreflightCheckResult{
			Capability: CapReleases,
			Allowed:    true,
			Method:     "stat",
			Detail:     fmt.Sprintf("%s does not exist yet, will be created", root),
		}
	case err != nil:
		return output.PreflightCheckResult{
			Capability: CapReleases,
			Allowed:    false,
			Method:     "stat",
			Detail:     err.Error(),
		}
	case !info.IsDir():
		return output.PreflightCheckResult{
			Capability: CapReleases,
			Allowed:    false,
			Method:     "stat",
			Detail:     fmt.Sprintf("%s is not a directory", root),
		}
	default:
		return output.PreflightCheckResult{
			Capability: CapReleases,
			Allowed:    true,
			Method:     "stat",
			Detail:     fmt.Sprintf("%s exists", root),
		}
	}
}

// AllAllowed reports whether every check passed.
func AllAllowed(rec *output.PreflightRecord) bool {
	for _, r := range rec.Results {
		if !r.Allowed {
			return false
		}
	}
	return true
}

func gitBin(host Host) string {
	if host.GitBin != "" {
		return host.GitBin
	}
	return "git"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
