package jobregistry

import "time"

// JobState is the lifecycle state of a managed deploy job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateQueued     JobState = "queued"
	JobStateRunning    JobState = "running"
	JobStateStopping   JobState = "stopping"
	JobStateStopped    JobState = "stopped"
	JobStateSuccess    JobState = "success"
	JobStateRolledBack JobState = "rolled_back"
	JobStateFailed     JobState = "failed"
	JobStateUnknown    JobState = "unknown"
)

// Terminal reports whether the state marks a finished job. Terminal
// records are eligible for garbage collection and are never reconciled
// against the process table again.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateStopped, JobStateSuccess, JobStateRolledBack, JobStateFailed, JobStateUnknown:
		return true
	default:
		return false
	}
}

// HostIdentity is a minimal host summary captured for operator clarity.
//
// This is intentionally shallow and string-only so the job registry stays
// stable even if deeper identity schemas evolve.
type HostIdentity struct {
	CloudProvider string `json:"cloud_provider,omitempty"`
	Region        string `json:"region,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"`
	InstanceType  string `json:"instance_type,omitempty"`
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID        string    `json:"job_id"`
	Name         string    `json:"name,omitempty"`
	State        JobState  `json:"state"`
	ManifestPath string    `json:"manifest_path"`
	Service      string    `json:"service,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	PID          int       `json:"pid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`

	StartedAt     *time.Time    `json:"started_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time    `json:"last_heartbeat,omitempty"`
	Identity      *HostIdentity `json:"host_identity,omitempty"`

	// CommitSHA and ReleaseID are filled in as the deploy progresses.
	CommitSHA string `json:"commit_sha,omitempty"`
	ReleaseID string `json:"release_id,omitempty"`

	// FinalState is the terminal pipeline state once the run ends.
	FinalState string `json:"final_state,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}
