package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/galadon/pushdeploy/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage deploy jobs",
	Long: `Manage job records for deploy runs.

This command group is designed to be automation-friendly:

- stable job ids
- predictable on-disk locations
- optional JSON output for machine parsing

Background deploys are started with 'pushdeploy deploy --background';
the agent registers a job for every accepted webhook.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deploy jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show logs for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old job records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = no tail)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store := jobregistry.NewStore(deployJobsRootDir())

	jobs, err := store.List()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSERVICE\tSTATE\tSTARTED\tENDED\tCOMMIT\tRELEASE")
	for _, j := range jobs {
		started := formatOptionalTime(j.StartedAt)
		ended := formatOptionalTime(j.EndedAt)
		service := j.Service
		if service == "" {
			service = "-"
		}
		commit := j.CommitSHA
		if commit == "" {
			commit = "-"
		} else if len(commit) > 7 {
			commit = commit[:7]
		}
		release := j.ReleaseID
		if release == "" {
			release = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			service,
			j.State,
			started,
			ended,
			commit,
			release,
		)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	store := jobregistry.NewStore(deployJobsRootDir())

	resolvedID, err := resolveJobID(store, jobID)
	if err != nil {
		return err
	}

	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	if rec.Service != "" {
		_, _ = fmt.Fprintf(os.Stdout, "service=%s\n", rec.Service)
	}
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(os.Stdout, "manifest_path=%s\n", rec.ManifestPath)
	if rec.Branch != "" {
		_, _ = fmt.Fprintf(os.Stdout, "branch=%s\n", rec.Branch)
	}
	if rec.CommitSHA != "" {
		_, _ = fmt.Fprintf(os.Stdout, "commit_sha=%s\n", rec.CommitSHA)
	}
	if rec.ReleaseID != "" {
		_, _ = fmt.Fprintf(os.Stdout, "release_id=%s\n", rec.ReleaseID)
	}
	if rec.FinalState != "" {
		_, _ = fmt.Fprintf(os.Stdout, "final_state=%s\n", rec.FinalState)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}

	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
