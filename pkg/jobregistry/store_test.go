package jobregistry

import (
	"testing"
	"time"

	"github.com/galadon/pushdeploy/pkg/pipeline"
)

// deadPID is far above any default pid_max, so no live process owns it.
const deadPID = 1 << 22

func TestStore_WriteGetRoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	rec := &JobRecord{
		JobID:        "job-1",
		Name:         "flask-app",
		State:        JobStateRunning,
		ManifestPath: "/tmp/deploy.yaml",
		Service:      "flask-app",
		Branch:       "main",
		CreatedAt:    now,
		StartedAt:    &now,
		CommitSHA:    "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6e7f8a9b0",
		ReleaseID:    "20260825T120000Z-a1b2c3d",
		Identity: &HostIdentity{
			CloudProvider: "aws",
			Region:        "us-east-1",
			InstanceID:    "i-0abc123",
		},
	}

	if err := s.Write(rec); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.JobID != rec.JobID {
		t.Fatalf("job_id mismatch: got=%q want=%q", got.JobID, rec.JobID)
	}
	if got.State != rec.State {
		t.Fatalf("state mismatch: got=%q want=%q", got.State, rec.State)
	}
	if got.CommitSHA != rec.CommitSHA {
		t.Fatalf("commit_sha mismatch: got=%q want=%q", got.CommitSHA, rec.CommitSHA)
	}
	if got.ReleaseID != rec.ReleaseID {
		t.Fatalf("release_id mismatch: got=%q want=%q", got.ReleaseID, rec.ReleaseID)
	}
	if got.Identity == nil || got.Identity.InstanceID != "i-0abc123" {
		t.Fatalf("identity not persisted")
	}
}

func TestStore_ListSortsNewestFirst(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)

	t1 := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC)

	if err := s.Write(&JobRecord{JobID: "job-1", State: JobStateRunning, ManifestPath: "/tmp/a", CreatedAt: t1, StartedAt: &t1}); err != nil {
		t.Fatalf("Write job-1: %v", err)
	}
	if err := s.Write(&JobRecord{JobID: "job-2", State: JobStateRunning, ManifestPath: "/tmp/b", CreatedAt: t2, StartedAt: &t2}); err != nil {
		t.Fatalf("Write job-2: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected job count: %d", len(got))
	}
	if got[0].JobID != "job-2" {
		t.Fatalf("expected newest first, got[0]=%q", got[0].JobID)
	}
}

func TestStore_OrphanSettlesByOutcome(t *testing.T) {
	tests := []struct {
		name       string
		finalState string
		want       JobState
	}{
		{name: "no recorded outcome", finalState: "", want: JobStateUnknown},
		{name: "verified before death", finalState: pipeline.StateVerified, want: JobStateSuccess},
		{name: "rolled back before death", finalState: pipeline.StateRolledBack, want: JobStateRolledBack},
		{name: "failed before death", finalState: pipeline.StateFailed, want: JobStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(t.TempDir())
			now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
			rec := &JobRecord{
				JobID:        "job-dead",
				State:        JobStateRunning,
				ManifestPath: "/tmp/a",
				PID:          deadPID,
				CreatedAt:    now,
				FinalState:   tt.finalState,
			}
			if err := s.Write(rec); err != nil {
				t.Fatalf("Write: %v", err)
			}

			got, err := s.Get("job-dead")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.State != tt.want {
				t.Fatalf("settled state: got=%q want=%q", got.State, tt.want)
			}
			if got.EndedAt == nil {
				t.Fatalf("settled orphan must have ended_at")
			}

			// The settled state is persisted, not just returned.
			again, err := s.Get("job-dead")
			if err != nil {
				t.Fatalf("Get again: %v", err)
			}
			if again.State != tt.want {
				t.Fatalf("persisted state: got=%q want=%q", again.State, tt.want)
			}
		})
	}
}

func TestStore_LiveRunningJobIsUntouched(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	// PID 1 is init and always alive.
	if err := s.Write(&JobRecord{JobID: "job-live", State: JobStateRunning, ManifestPath: "/tmp/a", PID: 1, CreatedAt: now}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Get("job-live")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != JobStateRunning {
		t.Fatalf("live job must stay running, got %q", got.State)
	}
	if got.EndedAt != nil {
		t.Fatalf("live job must not gain ended_at")
	}
}

func TestJobState_Terminal(t *testing.T) {
	terminal := []JobState{JobStateStopped, JobStateSuccess, JobStateRolledBack, JobStateFailed, JobStateUnknown}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("state %q should be terminal", s)
		}
	}

	active := []JobState{JobStateQueued, JobStateRunning, JobStateStopping}
	for _, s := range active {
		if s.Terminal() {
			t.Fatalf("state %q should not be terminal", s)
		}
	}
}
