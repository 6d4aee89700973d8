package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/galadon/pushdeploy/pkg/pipeline"
)

// recordFile is the per-job record name inside the job directory.
const recordFile = "job.json"

// Store persists deploy job records, one directory per job:
//
//	<root>/<job_id>/job.json   the record itself
//	<root>/<job_id>/stdout.log captured child stdout (background deploys)
//	<root>/<job_id>/stderr.log captured child stderr
//	<root>/<job_id>/run.jsonl  pipeline event stream (agent deploys)
//
// The registry is the source of truth for `jobs list`, `jobs stop`, and
// `jobs gc`. Record writes are atomic so a deploy killed mid-write never
// leaves a torn job.json behind.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), recordFile)
}

// Write persists the record atomically: marshal to a temp file in the
// job directory, then rename over job.json.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return errors.New("jobregistry: nil record")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return errors.New("jobregistry: record has no job_id")
	}
	if s.root == "" {
		return errors.New("jobregistry: store root is empty")
	}

	dir := s.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jobregistry: create job dir: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("jobregistry: marshal record: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, recordFile+".*")
	if err != nil {
		return fmt.Errorf("jobregistry: create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("jobregistry: write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jobregistry: close temp record: %w", err)
	}
	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("jobregistry: replace record: %w", err)
	}
	return nil
}

// Get loads one record, reconciling it against the live process table.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.New("jobregistry: job_id is required")
	}

	data, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("jobregistry: job %s has an empty record", jobID)
	}

	var record JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("jobregistry: parse record for job %s: %w", jobID, err)
	}

	if reconcileOrphan(&record) {
		_ = s.Write(&record)
	}
	return &record, nil
}

// List returns every readable record, newest first. Unreadable job
// directories are skipped so one corrupt record cannot hide the rest.
func (s *Store) List() ([]JobRecord, error) {
	if s.root == "" {
		return nil, errors.New("jobregistry: store root is empty")
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobregistry: read store root: %w", err)
	}

	records := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return startedOrCreated(records[i]).After(startedOrCreated(records[j]))
	})
	return records, nil
}

func startedOrCreated(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// reconcileOrphan settles a record that claims running while its process
// is gone: the deploy child was killed, the host rebooted mid-deploy, or
// the agent crashed. The recorded pipeline outcome decides what the
// orphan settles into, so a run that verified before its writer died
// still reads as success and a rolled-back run keeps its rollback
// visible. Returns true when the record changed and needs rewriting.
func reconcileOrphan(r *JobRecord) bool {
	if r.State != JobStateRunning || r.PID <= 0 || processAlive(r.PID) {
		return false
	}

	r.State = stateForOutcome(r.FinalState)
	now := time.Now().UTC()
	if r.EndedAt == nil {
		// The real end time died with the process; detection time is the
		// best bound and lets gc age the record out.
		r.EndedAt = &now
	}
	r.LastHeartbeat = &now
	return true
}

// stateForOutcome maps a dead job's recorded pipeline state to its
// terminal registry state. No recorded outcome means the process died
// before the pipeline finished; unknown keeps the operator looking.
func stateForOutcome(final string) JobState {
	switch final {
	case pipeline.StateVerified:
		return JobStateSuccess
	case pipeline.StateRolledBack:
		return JobStateRolledBack
	case "":
		return JobStateUnknown
	default:
		return JobStateFailed
	}
}

// processAlive checks pid existence with the null signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
