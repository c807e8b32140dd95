package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgsync/internal/db"
	"github.com/jfoltran/pgsync/internal/inspect"
	"github.com/jfoltran/pgsync/internal/validate"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check schema compatibility between source and target",
	Long: `Validate inspects both schemas and reports incompatibilities by
severity. Critical issues block a sync; high-severity issues require
confirmation. Foreign key cycles among the selected tables are reported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tables := tableNames()
		if len(tables) == 0 {
			return fmt.Errorf("no tables configured (use --tables or the config file)")
		}

		ctx := cmd.Context()
		source, target, err := db.OpenPair(ctx, cfg.Source.DSN(), cfg.Target.DSN(), logger)
		if err != nil {
			return err
		}
		defer source.Close()
		defer target.Close()

		sourceSchema, err := inspect.New(source.Pool, logger).Inspect(ctx)
		if err != nil {
			return fmt.Errorf("inspect source: %w", err)
		}
		targetSchema, err := inspect.New(target.Pool, logger).Inspect(ctx)
		if err != nil {
			return fmt.Errorf("inspect target: %w", err)
		}

		result := validate.Compare(sourceSchema, targetSchema, tables)
		for _, issue := range result.Issues {
			line := fmt.Sprintf("[%s] %s: %s", issue.Severity, issue.TableName, issue.Message)
			if issue.ColumnName != "" {
				line = fmt.Sprintf("[%s] %s.%s: %s", issue.Severity, issue.TableName, issue.ColumnName, issue.Message)
			}
			fmt.Println(line)
			if issue.Recommendation != "" {
				fmt.Printf("    -> %s\n", issue.Recommendation)
			}
		}

		var selected []inspect.DetailedTableSchema
		for _, name := range tables {
			if t, ok := sourceSchema.Table(name); ok {
				selected = append(selected, t)
			}
		}
		for _, cycle := range validate.DetectCircularDependencies(selected) {
			fmt.Printf("Foreign key cycle: %v (constraints will be deferred during sync)\n", cycle)
		}
		fmt.Printf("Sync order: %v\n", validate.SyncOrder(selected))

		fmt.Printf("\n%d critical, %d high, %d medium, %d low, %d info\n",
			result.Counts[validate.SeverityCritical],
			result.Counts[validate.SeverityHigh],
			result.Counts[validate.SeverityMedium],
			result.Counts[validate.SeverityLow],
			result.Counts[validate.SeverityInfo])

		switch {
		case !result.CanProceed:
			return fmt.Errorf("critical schema issues found, sync would fail")
		case result.RequiresConfirmation:
			fmt.Println("High-severity issues found. Review before syncing.")
		default:
			fmt.Println("Schemas are compatible.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
