package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galadon/pushdeploy/pkg/jobregistry"
)

func writeJob(t *testing.T, store *jobregistry.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Write(&jobregistry.JobRecord{
		JobID:        jobID,
		State:        jobregistry.JobStateSuccess,
		ManifestPath: "/etc/pushdeploy/deploy.yaml",
		CreatedAt:    now,
		EndedAt:      &now,
	}))
}

func TestResolveJobID(t *testing.T) {
	store := jobregistry.NewStore(t.TempDir())
	writeJob(t, store, "aaaa1111-0000-0000-0000-000000000000")
	writeJob(t, store, "bbbb2222-0000-0000-0000-000000000000")

	t.Run("exact match", func(t *testing.T) {
		id, err := resolveJobID(store, "aaaa1111-0000-0000-0000-000000000000")
		require.NoError(t, err)
		assert.Equal(t, "aaaa1111-0000-0000-0000-000000000000", id)
	})

	t.Run("prefix match", func(t *testing.T) {
		id, err := resolveJobID(store, "bbbb")
		require.NoError(t, err)
		assert.Equal(t, "bbbb2222-0000-0000-0000-000000000000", id)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := resolveJobID(store, "cccc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("ambiguous prefix", func(t *testing.T) {
		writeJob(t, store, "aaaa1111-9999-0000-0000-000000000000")
		_, err := resolveJobID(store, "aaaa1111")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ambiguous")
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := resolveJobID(store, "  ")
		require.Error(t, err)
	})
}

func TestShortJobID(t *testing.T) {
	assert.Equal(t, "short", shortJobID("short"))
	assert.Equal(t, "123456789012", shortJobID("1234567890123456"))
	assert.Equal(t, "trimmed", shortJobID("  trimmed  "))
}

func TestGCCandidates(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	old := now.Add(-200 * time.Hour)
	recent := now.Add(-time.Hour)

	jobs := []jobregistry.JobRecord{
		{JobID: "old-success", State: jobregistry.JobStateSuccess, EndedAt: &old},
		{JobID: "old-rolled-back", State: jobregistry.JobStateRolledBack, EndedAt: &old},
		{JobID: "recent-failed", State: jobregistry.JobStateFailed, EndedAt: &recent},
		{JobID: "still-running", State: jobregistry.JobStateRunning, EndedAt: &old},
		{JobID: "no-end-time", State: jobregistry.JobStateFailed},
	}

	got := gcCandidates(jobs, 168*time.Hour, now)
	assert.Equal(t, []string{"old-success", "old-rolled-back"}, got)
}

func TestAgentOwnedJob(t *testing.T) {
	assert.True(t, agentOwnedJob(&jobregistry.JobRecord{JobID: "a", PID: 1234}))
	assert.False(t, agentOwnedJob(&jobregistry.JobRecord{
		JobID:      "b",
		PID:        1234,
		StdoutPath: "/var/lib/pushdeploy/jobs/b/stdout.log",
		StderrPath: "/var/lib/pushdeploy/jobs/b/stderr.log",
	}))
}

func TestTailLines(t *testing.T) {
	input := "one\ntwo\nthree\nfour\n"

	lines, err := tailLines(strings.NewReader(input), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four"}, lines)

	lines, err = tailLines(strings.NewReader(input), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three", "four"}, lines)

	lines, err = tailLines(strings.NewReader(input), 0)
	require.NoError(t, err)
	assert.Nil(t, lines)
}
