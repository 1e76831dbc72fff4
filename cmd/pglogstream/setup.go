package main

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var setupTables []string

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the publication and replication slot",
	Long: `Setup creates the publication and the logical replication slot on the
server so that tail can start streaming. Without --tables the publication
covers all tables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()

		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()

		pubSQL := fmt.Sprintf("CREATE PUBLICATION %q FOR ALL TABLES", cfg.Replication.Publication)
		if len(setupTables) > 0 {
			quoted := make([]string, len(setupTables))
			for i, tbl := range setupTables {
				quoted[i] = quoteTable(tbl)
			}
			pubSQL = fmt.Sprintf("CREATE PUBLICATION %q FOR TABLE %s",
				cfg.Replication.Publication, strings.Join(quoted, ", "))
		}
		if _, err := pool.Exec(ctx, pubSQL); err != nil {
			return fmt.Errorf("create publication: %w", err)
		}
		logger.Info().Str("publication", cfg.Replication.Publication).Msg("publication created")

		_, err = pool.Exec(ctx,
			"SELECT pg_create_logical_replication_slot($1, 'pgoutput')",
			cfg.Replication.SlotName)
		if err != nil {
			return fmt.Errorf("create replication slot: %w", err)
		}
		logger.Info().Str("slot", cfg.Replication.SlotName).Msg("replication slot created")

		return nil
	},
}

// quoteTable quotes a possibly schema-qualified table name.
func quoteTable(name string) string {
	if schema, table, ok := strings.Cut(name, "."); ok {
		return fmt.Sprintf("%q.%q", schema, table)
	}
	return fmt.Sprintf("%q", name)
}

func init() {
	setupCmd.Flags().StringSliceVar(&setupTables, "tables", nil, "Tables to publish (default: all tables)")
	rootCmd.AddCommand(setupCmd)
}
