package main

import (
	"fmt"

	"github.com/Sternrassler/eve-market-replica/internal/config"
	"github.com/Sternrassler/eve-market-replica/internal/store"
	"github.com/Sternrassler/eve-market-replica/pkg/logging"
	"github.com/spf13/cobra"
)

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the replica tables and indexes (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// The pipelines are not built here, so only the store settings matter.
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Store.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate needs store.driver %q (got %q)", config.DriverPostgres, cfg.Store.Driver)
			}
			logging.Setup(logging.Config{Level: logging.LogLevel(cfg.Log.Level), Pretty: cfg.Log.Pretty})

			pg, err := store.OpenPostgres(cfg.Store.DSN, store.PostgresOpts{
				MaxOpenConns:    cfg.Store.MaxOpenConns,
				MaxIdleConns:    cfg.Store.MaxIdleConns,
				ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
				PingTimeout:     cfg.Store.PingTimeout,
			})
			if err != nil {
				return fmt.Errorf("postgres connect: %w", err)
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			logger := logging.NewLogger("migrate")
			logger.Info().Msg("Schema is up to date")
			return nil
		},
	}
}
