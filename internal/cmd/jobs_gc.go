package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/galadon/pushdeploy/pkg/jobregistry"
)

type jobsGCResult struct {
	Deleted     int      `json:"deleted"`
	WouldDelete int      `json:"would_delete"`
	DryRun      bool     `json:"dry_run"`
	MaxAge      string   `json:"max_age"`
	Jobs        []string `json:"jobs,omitempty"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	store := jobregistry.NewStore(deployJobsRootDir())
	jobs, err := store.List()
	if err != nil {
		return err
	}

	expired := gcCandidates(jobs, maxAge, time.Now().UTC())
	if !dryRun {
		for _, jobID := range expired {
			if err := os.RemoveAll(store.JobDir(jobID)); err != nil {
				return fmt.Errorf("remove job dir: %w", err)
			}
		}
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAge: maxAgeStr, Jobs: expired}
		if dryRun {
			res.WouldDelete = len(expired)
		} else {
			res.Deleted = len(expired)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", len(expired))
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", len(expired))
	return nil
}

// gcCandidates selects jobs whose terminal record ended more than maxAge
// ago. Running and stopping jobs are never collected, even with a stale
// end timestamp left over from an earlier run against the same job dir.
func gcCandidates(jobs []jobregistry.JobRecord, maxAge time.Duration, now time.Time) []string {
	var expired []string
	for _, j := range jobs {
		if !j.State.Terminal() || j.EndedAt == nil {
			continue
		}
		if now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}
		expired = append(expired, j.JobID)
	}
	return expired
}
