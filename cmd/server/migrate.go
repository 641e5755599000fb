package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mirchat/mir-backend/internal/config"
	"github.com/mirchat/mir-backend/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the Postgres schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := loadPostgresConfig()
		if err != nil {
			return err
		}
		if err := database.RunMigrations(cfg.Database); err != nil {
			return err
		}
		logger.Info("Migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, logger, err := loadPostgresConfig()
		if err != nil {
			return err
		}
		if err := database.RollbackMigration(cfg.Database); err != nil {
			return err
		}
		logger.Info("Rolled back one migration")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadPostgresConfig()
		if err != nil {
			return err
		}
		version, dirty, err := database.MigrationVersion(cfg.Database)
		if err != nil {
			return err
		}
		if dirty {
			fmt.Fprintf(cmd.OutOrStdout(), "%d (dirty)\n", version)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), version)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
}

func loadPostgresConfig() (*config.Config, *logrus.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Storage.Driver != config.StoragePostgres {
		return nil, nil, errors.New("migrations only apply to the postgres storage driver")
	}
	return cfg, logger, nil
}
