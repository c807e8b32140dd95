package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgsync/internal/db"
	"github.com/jfoltran/pgsync/internal/inspect"
	"github.com/jfoltran/pgsync/internal/plan"
)

var (
	planApply bool
	planYes   bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate migration SQL to align the target schema with the source",
	Long: `Plan emits the SQL scripts that would bring the target schema in line
with the source: missing tables, columns, enum values, type widenings,
constraints, and indexes. Scripts are printed by default; --apply executes
them against the target, asking for confirmation when any script is marked
dangerous (unless --yes).`,
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

		p := plan.Build(sourceSchema, targetSchema, tables)
		if len(p.Scripts) == 0 {
			fmt.Println("Target schema is already aligned.")
			return nil
		}

		for _, s := range p.Scripts {
			fmt.Printf("-- [%s] %s: %s\n%s\n\n", s.Severity, s.TableName, s.Description, s.SQL)
		}

		if !planApply {
			fmt.Printf("%d scripts. Re-run with --apply to execute.\n", len(p.Scripts))
			return nil
		}
		if p.HasDangerous() && !planYes {
			if !confirm("Plan contains dangerous scripts (data-converting type changes). Apply anyway?") {
				return fmt.Errorf("aborted")
			}
		}

		for _, s := range p.Scripts {
			logger.Info().Str("table", s.TableName).Str("severity", string(s.Severity)).Msg(s.Description)
			if _, err := target.Pool.Exec(ctx, s.SQL); err != nil {
				return fmt.Errorf("apply %q: %w", s.Description, err)
			}
		}
		fmt.Printf("Applied %d scripts.\n", len(p.Scripts))
		return nil
	},
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func init() {
	planCmd.Flags().BoolVar(&planApply, "apply", false, "Execute the generated scripts against the target")
	planCmd.Flags().BoolVar(&planYes, "yes", false, "Skip the confirmation prompt for dangerous scripts")
	rootCmd.AddCommand(planCmd)
}
