package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalprint/journal"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished jobs recorded in a journal",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	cmd.Flags().String("journal", "", "Path to the SQLite job journal (default from config)")
	cmd.Flags().Int("limit", 20, "Maximum number of jobs to list (0 = all)")
	cmd.Flags().Bool("json", false, "Print records as JSON")

	return cmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	path, _ := cmd.Flags().GetString("journal")
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.Journal.Path
	}
	if path == "" {
		return exitError(exitValidation, "no journal configured: pass --journal or set journal.path")
	}
	if limit < 0 {
		return exitError(exitValidation, "--limit must not be negative")
	}

	store, err := journal.NewSQLiteStore(journal.SQLiteStoreConfig{DSN: path})
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer store.Close()

	records, err := store.History(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		if records == nil {
			records = []journal.Record{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No jobs recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tSESSION\tJOB\tSTATUS\tERRORS\tDURATION\tDETAIL")
	for _, r := range records {
		detail := r.Failure
		if detail == "" && r.ImageBytes > 0 {
			detail = fmt.Sprintf("%s, %d bytes", r.ImageType, r.ImageBytes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime),
			shortSession(r.Session),
			r.JobID,
			r.Status,
			r.Errors,
			r.Duration.Round(time.Millisecond),
			detail,
		)
	}
	return tw.Flush()
}

func shortSession(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
