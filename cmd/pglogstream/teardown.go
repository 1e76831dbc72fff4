package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Drop the replication slot and publication",
	Long: `Teardown removes the replication slot and publication created by setup.
Dropping the slot lets the server discard retained WAL.`,
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

		_, err = pool.Exec(ctx,
			"SELECT pg_drop_replication_slot(slot_name) FROM pg_replication_slots WHERE slot_name = $1",
			cfg.Replication.SlotName)
		if err != nil {
			return fmt.Errorf("drop replication slot: %w", err)
		}
		logger.Info().Str("slot", cfg.Replication.SlotName).Msg("replication slot dropped")

		_, err = pool.Exec(ctx, fmt.Sprintf("DROP PUBLICATION IF EXISTS %q", cfg.Replication.Publication))
		if err != nil {
			return fmt.Errorf("drop publication: %w", err)
		}
		logger.Info().Str("publication", cfg.Replication.Publication).Msg("publication dropped")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(teardownCmd)
}
