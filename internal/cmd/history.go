package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/galadon/pushdeploy/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query deploy history",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent deploys",
	RunE:  runHistoryList,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)

	historyListCmd.Flags().String("service", "", "Filter by service unit")
	historyListCmd.Flags().Int("limit", 20, "Maximum rows")
	historyListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	service, _ := cmd.Flags().GetString("service")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := history.Open(ctx, historyDBPath())
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	rows, err := store.List(ctx, service, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No deploys recorded")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "FINISHED\tSERVICE\tSTATE\tCOMMIT\tRELEASE\tDURATION")
	for _, d := range rows {
		commit := d.CommitSHA
		if len(commit) > 7 {
			commit = commit[:7]
		}
		if commit == "" {
			commit = "-"
		}
		release := d.ReleaseID
		if release == "" {
			release = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.FinishedAt.UTC().Format(time.RFC3339),
			d.Service,
			d.FinalState,
			commit,
			release,
			(time.Duration(d.DurationMS) * time.Millisecond).String(),
		)
	}
	return nil
}
