package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgsync/internal/db"
	"github.com/jfoltran/pgsync/internal/metrics"
	"github.com/jfoltran/pgsync/internal/store"
)

var statusConflicts bool

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's persisted metrics and conflicts",
	Long: `Status reads the job record from the bookkeeping database and prints
its final metrics. With --conflicts, rows that needed manual resolution
are listed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreURL == "" {
			return fmt.Errorf("--store-uri is required for status")
		}
		jobID := args[0]
		ctx := cmd.Context()

		book, err := db.OpenStore(ctx, cfg.StoreURL, logger)
		if err != nil {
			return err
		}
		defer book.Close()
		st := store.NewStore(book.Pool)

		rec, found, err := st.GetJobRecord(ctx, jobID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no record for job %s", jobID)
		}

		var snap metrics.Snapshot
		if err := json.Unmarshal(rec.Metrics, &snap); err != nil {
			return fmt.Errorf("parse job metrics: %w", err)
		}

		fmt.Printf("Job:       %s\n", rec.JobID)
		fmt.Printf("Status:    %s\n", rec.Status)
		fmt.Printf("Started:   %s\n", rec.StartedAt.Format(time.RFC3339))
		if rec.CompletedAt != nil {
			fmt.Printf("Completed: %s\n", rec.CompletedAt.Format(time.RFC3339))
		}
		fmt.Printf("Rows:      %d processed (%d inserted, %d updated, %d skipped)\n",
			snap.RowsProcessed, snap.RowsInserted, snap.RowsUpdated, snap.RowsSkipped)
		fmt.Printf("Skipped:   %d already processed, %d unchanged, %d conflicts, %d missing id, %d errors\n",
			snap.Skipped.AlreadyProcessed, snap.Skipped.NoChange, snap.Skipped.Conflict, snap.Skipped.MissingID, snap.Skipped.Error)
		fmt.Printf("Errors:    %d (%d retries)\n", snap.ErrorCount, snap.RetryCount)
		if snap.LastError != "" {
			fmt.Printf("Last:      %s\n", snap.LastError)
		}
		fmt.Printf("Rate:      %.0f rows/s, %.0f bytes/s, %d ms throttled\n",
			snap.RowsPerSec, snap.BytesPerSec, snap.ThrottledMs)

		if len(snap.Tables) > 0 {
			fmt.Println("\nTables:")
			for _, t := range snap.Tables {
				fmt.Printf("  %-30s %-10s %d/%d rows  %d errors\n",
					t.TableName, t.Status, t.Processed, t.TotalRows, t.Errors)
			}
		}

		if statusConflicts {
			conflicts, err := st.ListConflicts(ctx, jobID)
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("\nNo conflicts recorded.")
				return nil
			}
			fmt.Printf("\nConflicts (%d):\n", len(conflicts))
			for _, c := range conflicts {
				fmt.Printf("  %s row %s  winner=%s  source=%s target=%s\n",
					c.TableName, c.RowID, c.Winner,
					formatTS(c.SourceUpdatedAt), formatTS(c.TargetUpdatedAt))
			}
		}
		return nil
	},
}

func formatTS(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func init() {
	statusCmd.Flags().BoolVar(&statusConflicts, "conflicts", false, "List rows that needed manual conflict resolution")
	rootCmd.AddCommand(statusCmd)
}
