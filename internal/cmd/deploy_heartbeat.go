package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/galadon/pushdeploy/internal/observability"
	"github.com/galadon/pushdeploy/pkg/jobregistry"
)

// Heartbeats let `jobs list` tell a live deploy from an orphaned record:
// a running job whose last beat is several intervals old is suspect even
// before its pid disappears.
const managedHeartbeatInterval = 30 * time.Second

// startManagedHeartbeat re-persists the job record with a fresh
// last_heartbeat while the deploy runs. The first beat is written
// immediately, so a freshly started job is never observable as running
// without a heartbeat. The returned stop func blocks until the beat
// goroutine has exited; call it before finalizing the record so a late
// beat cannot overwrite the terminal state.
func startManagedHeartbeat(ctx context.Context, store *jobregistry.Store, job *jobregistry.JobRecord) func() {
	if store == nil || job == nil || job.PID <= 0 {
		return func() {}
	}

	beat := func() {
		now := time.Now().UTC()
		job.LastHeartbeat = &now
		if err := store.Write(job); err != nil {
			observability.CLILogger.Warn("job heartbeat write failed",
				zap.String("job_id", job.JobID),
				zap.Error(err))
		}
	}
	beat()

	ticker := time.NewTicker(managedHeartbeatInterval)
	quit := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case <-ticker.C:
				beat()
			}
		}
	}()

	// stop is called once, before the record is finalized.
	return func() {
		ticker.Stop()
		close(quit)
		<-done
	}
}
