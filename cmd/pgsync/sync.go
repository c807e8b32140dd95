package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgsync/internal/executor"
	"github.com/jfoltran/pgsync/internal/jobs"
	"github.com/jfoltran/pgsync/internal/metrics"
)

var (
	syncJobID          string
	syncCheckpointPath string
	syncResume         bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync configured tables from source to target",
	Long: `Sync walks the configured tables in foreign-key order and moves changed
rows in batches. Before the first write the target is backed up to the
bookkeeping database; a fatal failure restores it. Progress checkpoints are
written to --checkpoint-file, and --resume continues from one.

SIGINT pauses the job with a checkpoint; a second SIGINT cancels it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if len(cfg.EnabledTables()) == 0 {
			return fmt.Errorf("no tables configured (use --tables or the config file)")
		}

		opts := executor.Options{
			JobID:     syncJobID,
			SourceURL: cfg.Source.DSN(),
			TargetURL: cfg.Target.DSN(),
			StoreURL:  cfg.StoreURL,
			Tables:    cfg.Tables,
			Direction: cfg.Direction,
			Sync:      cfg.Sync,
			RateLimit: cfg.RateLimit,
		}

		if syncResume {
			cp, err := readCheckpoint(syncCheckpointPath)
			if err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			opts.Checkpoint = cp
		}

		opts.OnCheckpoint = func(cp executor.Checkpoint) {
			if err := writeCheckpoint(syncCheckpointPath, cp); err != nil {
				logger.Warn().Err(err).Msg("could not write checkpoint file")
			}
		}
		opts.OnProgress = func(s metrics.Snapshot) {
			logger.Info().
				Int64("rows", s.RowsProcessed).
				Int64("inserted", s.RowsInserted).
				Int64("updated", s.RowsUpdated).
				Int64("skipped", s.RowsSkipped).
				Float64("rows_per_sec", s.RowsPerSec).
				Msg("progress")
		}

		mgr := jobs.NewManager(logger)
		id, err := mgr.Start(context.Background(), opts)
		if err != nil {
			return err
		}
		logger.Info().Str("job_id", id).Msg("sync started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		interrupted := false
		tick := cmd.Context().Done()
		for {
			st, err := mgr.Status(id)
			if err != nil {
				return err
			}
			if !st.FinishedAt.IsZero() {
				return report(st)
			}

			select {
			case <-sigCh:
				if interrupted {
					logger.Warn().Msg("cancelling sync")
					mgr.Cancel(id)
				} else {
					logger.Warn().Msg("pausing sync, interrupt again to cancel")
					mgr.Pause(id)
					interrupted = true
				}
			case <-tick:
				mgr.Cancel(id)
			default:
				waitTick()
			}
		}
	},
}

func waitTick() {
	time.Sleep(200 * time.Millisecond)
}

func report(st jobs.Status) error {
	s := st.Progress
	logger.Info().
		Str("state", string(st.State)).
		Int64("rows", s.RowsProcessed).
		Int64("inserted", s.RowsInserted).
		Int64("updated", s.RowsUpdated).
		Int64("skipped", s.RowsSkipped).
		Int64("errors", s.ErrorCount).
		Msg("sync finished")

	if st.State == executor.StatePaused {
		fmt.Printf("Paused. Resume with: pgsync sync --resume --checkpoint-file %s\n", syncCheckpointPath)
		return nil
	}
	return st.Err
}

func readCheckpoint(path string) (*executor.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cp executor.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

func writeCheckpoint(path string, cp executor.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func init() {
	syncCmd.Flags().StringVar(&syncJobID, "job-id", "", "Job id (default: generated)")
	syncCmd.Flags().StringVar(&syncCheckpointPath, "checkpoint-file", "pgsync-checkpoint.json", "Checkpoint file path")
	syncCmd.Flags().BoolVar(&syncResume, "resume", false, "Resume from the checkpoint file")
	rootCmd.AddCommand(syncCmd)
}
