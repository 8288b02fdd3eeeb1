package main

import (
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"bookcal/backend/internal/config"
	"bookcal/backend/internal/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errors.New("migrate requires store.driver=postgres")
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := postgres.Close(db); err != nil {
			log.Warn("database close failed", slog.Any("err", err))
		}
	}()

	if err := postgres.Migrate(cmd.Context(), db); err != nil {
		log.Error("migration failed", slog.Any("err", err))
		return err
	}
	version, err := postgres.MigrationVersion(cmd.Context(), db)
	if err != nil {
		return err
	}
	log.Info("database migrated", slog.Int64("version", version))
	return nil
}
