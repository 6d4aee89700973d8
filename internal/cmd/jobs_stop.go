package cmd

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/galadon/pushdeploy/pkg/jobregistry"
)

// stopWaitTimeout bounds how long `jobs stop` waits for a deploy child
// to exit after SIGTERM before escalating to SIGKILL.
const stopWaitTimeout = 30 * time.Second

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// agentOwnedJob reports whether the record's pid belongs to the agent
// process rather than a spawned deploy child. Agent deploys run inside
// the agent itself, so there are no per-job capture files; signalling
// that pid would take the whole agent down with the deploy.
func agentOwnedJob(rec *jobregistry.JobRecord) bool {
	return rec.StdoutPath == "" && rec.StderrPath == ""
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigName, _ := cmd.Flags().GetString("signal")
	sigName = strings.ToLower(strings.TrimSpace(sigName))
	switch sigName {
	case "":
		sigName = "term"
	case "term", "kill":
	default:
		return fmt.Errorf("unsupported --signal %q (use term or kill)", sigName)
	}

	store := jobregistry.NewStore(deployJobsRootDir())

	jobID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}
	rec, err := store.Get(jobID)
	if err != nil {
		return err
	}

	if rec.State != jobregistry.JobStateRunning {
		return fmt.Errorf("job %s is not running (state=%s)", shortJobID(jobID), rec.State)
	}
	if rec.PID <= 0 {
		return fmt.Errorf("job %s has no recorded pid", shortJobID(jobID))
	}
	if agentOwnedJob(rec) {
		return fmt.Errorf("job %s runs inside the agent process; stop the agent instead", shortJobID(jobID))
	}

	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", rec.PID, err)
	}

	writeJobState(store, rec, jobregistry.JobStateStopping, false)

	if sigName == "kill" {
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill pid %d: %w", rec.PID, err)
		}
		writeJobState(store, rec, jobregistry.JobStateStopped, true)
		_, _ = fmt.Fprintln(os.Stdout, "sent=kill")
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate pid %d: %w", rec.PID, err)
	}
	if waitForExit(rec.PID, stopWaitTimeout) {
		writeJobState(store, rec, jobregistry.JobStateStopped, true)
		_, _ = fmt.Fprintln(os.Stdout, "sent=term")
		return nil
	}

	// Still alive after the grace period; escalate.
	_ = proc.Signal(syscall.SIGKILL)
	writeJobState(store, rec, jobregistry.JobStateStopped, true)
	_, _ = fmt.Fprintln(os.Stdout, "sent=term;forced=kill")
	return nil
}

func writeJobState(store *jobregistry.Store, rec *jobregistry.JobRecord, state jobregistry.JobState, ended bool) {
	now := time.Now().UTC()
	rec.State = state
	rec.LastHeartbeat = &now
	if ended {
		rec.EndedAt = &now
	}
	_ = store.Write(rec)
}

// waitForExit polls pid until it exits or the timeout passes.
func waitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}
