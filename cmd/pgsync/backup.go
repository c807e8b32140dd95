package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgsync/internal/backup"
	"github.com/jfoltran/pgsync/internal/db"
	"github.com/jfoltran/pgsync/internal/store"
)

var backupJobID string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage target-row backups in the bookkeeping database",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot the configured tables' target rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		tables := tableNames()
		if len(tables) == 0 {
			return fmt.Errorf("no tables configured (use --tables or the config file)")
		}
		mgr, target, book, err := openBackupManager(cmd)
		if err != nil {
			return err
		}
		defer target.Close()
		defer book.Close()

		jobID := backupJobID
		if jobID == "" {
			jobID = "manual-" + time.Now().UTC().Format("20060102-150405")
		}
		id, err := mgr.Create(cmd.Context(), jobID, tables)
		if err != nil {
			return err
		}
		fmt.Printf("Backup %s created for job %s (%d tables)\n", id, jobID, len(tables))
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Restore the target's rows from a completed backup",
	Long: `Restore deletes the backed-up tables' current rows on the target and
reinserts the snapshot, children first, in a single transaction. Restore is
monotonic: an already-restored backup is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid backup id: %w", err)
		}
		mgr, target, book, err := openBackupManager(cmd)
		if err != nil {
			return err
		}
		defer target.Close()
		defer book.Close()

		if err := mgr.Restore(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Backup %s restored\n", id)
		return nil
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreURL == "" {
			return fmt.Errorf("--store-uri is required for backups")
		}
		book, err := db.OpenStore(cmd.Context(), cfg.StoreURL, logger)
		if err != nil {
			return err
		}
		defer book.Close()

		backups, err := store.NewStore(book.Pool).ListBackups(cmd.Context(), backupJobID)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups found.")
			return nil
		}
		for _, b := range backups {
			fmt.Printf("%s  %-14s  job=%s  %d rows  %d tables  %s\n",
				b.ID, b.Status, b.JobID, b.RowCount, len(b.Tables),
				b.CreatedAt.Format(time.RFC3339))
			if b.Error != "" {
				fmt.Printf("    error: %s\n", b.Error)
			}
		}
		return nil
	},
}

func openBackupManager(cmd *cobra.Command) (*backup.Manager, *db.DB, *db.DB, error) {
	if cfg.StoreURL == "" {
		return nil, nil, nil, fmt.Errorf("--store-uri is required for backups")
	}
	ctx := cmd.Context()
	target, err := db.Open(ctx, cfg.Target.DSN(), logger)
	if err != nil {
		return nil, nil, nil, err
	}
	book, err := db.OpenStore(ctx, cfg.StoreURL, logger)
	if err != nil {
		target.Close()
		return nil, nil, nil, err
	}
	mgr := backup.NewManager(target.Pool, store.NewStore(book.Pool), logger)
	return mgr, target, book, nil
}

func init() {
	backupCmd.PersistentFlags().StringVar(&backupJobID, "job-id", "", "Job id to tag or filter backups")
	backupCmd.AddCommand(backupCreateCmd, backupRestoreCmd, backupListCmd)
	rootCmd.AddCommand(backupCmd)
}
