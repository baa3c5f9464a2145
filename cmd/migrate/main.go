package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/teresa-solution/federated-search-service/internal/config"
)

var flags struct {
	configPath string
	source     string
}

var rootCmd = &cobra.Command{
	Use:          "migrate",
	Short:        "Apply control store schema migrations",
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			log.Info().Msg("Applying migrations...")
			if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			log.Info().Msg("Migrations applied successfully")
			return nil
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(m *migrate.Migrate) error {
			log.Info().Msg("Reverting migrations...")
			if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
				return fmt.Errorf("failed to revert migrations: %w", err)
			}
			log.Info().Msg("Migrations reverted successfully")
			return nil
		})
	},
}

var forceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Set the migration version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withMigrator(func(m *migrate.Migrate) error {
			log.Info().Int("version", version).Msg("Forcing migration version...")
			if err := m.Force(version); err != nil {
				return fmt.Errorf("failed to force migration version: %w", err)
			}
			log.Info().Msg("Migration version forced successfully")
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("FSS_CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flags.source, "source", "file://scripts/migrations", "migration source URL")
	rootCmd.AddCommand(upCmd, downCmd, forceCmd)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Migration failed")
		os.Exit(1)
	}
}

func withMigrator(fn func(m *migrate.Migrate) error) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pgCfg, err := pgx.ParseConfig(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse DSN: %w", err)
	}
	db := stdlib.OpenDB(*pgCfg)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(flags.source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	return fn(m)
}
