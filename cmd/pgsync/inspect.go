package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgsync/internal/db"
	"github.com/jfoltran/pgsync/internal/inspect"
)

var inspectTarget bool

var inspectCmd = &cobra.Command{
	Use:   "inspect [table]",
	Short: "Show the source (or target) schema and sync readiness",
	Long: `Inspect prints tables, columns, and constraints. With a table argument
it prints that table in detail and whether it meets the sync requirements
(uuid id primary key, non-null updated_at timestamp).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		dsn := cfg.Source.DSN()
		side := "source"
		if inspectTarget {
			dsn = cfg.Target.DSN()
			side = "target"
		}
		conn, err := db.Open(ctx, dsn, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		insp := inspect.New(conn.Pool, logger)

		if len(args) == 1 {
			return inspectOneTable(cmd, insp, side, args[0])
		}

		schema, err := insp.Inspect(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s database: %d tables, %d enum types\n\n", side, len(schema.Tables), len(schema.Enums))
		for _, t := range schema.Tables {
			ready := " "
			if inspect.IsSyncable(t) {
				ready = "*"
			}
			fmt.Printf("%s %-30s %4d columns  ~%d rows\n", ready, t.TableName, len(t.Columns), t.RowCount)
		}
		fmt.Println("\n* = syncable (uuid id + non-null updated_at)")
		return nil
	},
}

func inspectOneTable(cmd *cobra.Command, insp *inspect.Inspector, side, table string) error {
	ctx := cmd.Context()

	t, err := insp.InspectTable(ctx, table)
	if err != nil {
		return err
	}
	if t.TableName == "" {
		return fmt.Errorf("table %q not found in %s database", table, side)
	}

	fmt.Printf("%s.%s (~%d rows)\n", side, t.TableName, t.RowCount)
	for _, c := range t.Columns {
		nullable := "NOT NULL"
		if c.IsNullable {
			nullable = "NULL"
		}
		fmt.Printf("  %-30s %-20s %s\n", c.Name, c.DataType, nullable)
	}
	if len(t.PrimaryKey) > 0 {
		fmt.Printf("  PRIMARY KEY (%s)\n", strings.Join(t.PrimaryKey, ", "))
	}
	for _, fk := range t.ForeignKeys {
		fmt.Printf("  FOREIGN KEY %s (%s) -> %s(%s)\n",
			fk.ConstraintName, fk.Column, fk.ReferencedTable, fk.ReferencedColumn)
	}

	reasons, err := insp.ValidateSyncRequirements(ctx, table)
	if err != nil {
		return err
	}
	if len(reasons) == 0 {
		fmt.Println("\nSyncable: yes")
	} else {
		fmt.Println("\nSyncable: no")
		for _, r := range reasons {
			fmt.Printf("  - %s\n", r)
		}
	}
	return nil
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectTarget, "target", false, "Inspect the target database instead of the source")
	rootCmd.AddCommand(inspectCmd)
}
