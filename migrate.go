package main

import (
	"github.com/spf13/cobra"

	"github.com/aemorandin-coder/electroweb-admission/internal/config"
	"github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/gormstore"
	infraobs "github.com/aemorandin-coder/electroweb-admission/internal/infrastructure/observability"
	"github.com/aemorandin-coder/electroweb-admission/internal/observability"
)

func newMigrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the durable schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			tel, err := infraobs.Setup(infraobs.Options{
				Service:  cfg.Service.Name,
				Env:      cfg.Service.Env,
				LogLevel: cfg.Service.LogLevel,
				LogFile:  cfg.Service.LogFile,
			})
			if err != nil {
				return err
			}
			defer func() { _ = tel.Sync() }()
			log := tel.Logger()

			if cfg.Store.Driver == "memory" {
				log.Info("migrate_skipped", observability.F("driver", cfg.Store.Driver))
				return nil
			}
			db, err := gormstore.Open(cfg.Store.Driver, cfg.Store.DSN, log)
			if err != nil {
				return err
			}
			defer func() { _ = gormstore.Close(db) }()

			if err := gormstore.Migrate(cmd.Context(), db); err != nil {
				log.Error("migrate_failed", observability.Err(err))
				return err
			}
			log.Info("migrate_done", observability.F("driver", cfg.Store.Driver))
			return nil
		},
	}
}
