package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"onetime.share/config"
	"onetime.share/internal/database"
	"onetime.share/internal/ledger"
	"onetime.share/internal/lifecycle"
	"onetime.share/internal/logging"
	"onetime.share/internal/models"
	"onetime.share/internal/users"
	"onetime.share/internal/vault"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark every lapsed active secret as expired",
	Long: `Runs one expiration sweep against the postgres ledger and exits.
Suitable for cron when the server runs without a background sweeper.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadForMaintenance()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		svc := lifecycle.New(vault.NewMemoryVault(), ledger.NewPostgres(db, logger), lifecycle.Options{
			BaseURL: cfg.Server.BaseURL,
			Logger:  logger,
		})
		n, err := svc.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info().Int64("expired", n).Msg("sweep complete")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadForMaintenance()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.Migrate(cmd.Context(), db); err != nil {
			return err
		}
		logger.Info().Msg("schema up to date")
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

func statusCmd(use, short string, status models.AccountStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <email|username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadForMaintenance()
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			store := users.NewPostgres(db, logger)
			find := store.FindByUsername
			if strings.Contains(args[0], "@") {
				find = store.FindByEmail
			}
			u, err := find(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("looking up %s: %w", args[0], err)
			}
			if err := store.SetStatus(cmd.Context(), u.ID, status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", u.Username, status)
			return nil
		},
	}
}

func init() {
	usersCmd.AddCommand(statusCmd("disable", "Prevent an account from signing in", models.AccountDisabled))
	usersCmd.AddCommand(statusCmd("enable", "Allow a disabled account to sign in again", models.AccountActive))
}

// loadForMaintenance loads config for commands that only need the
// database. They require a postgres ledger.
func loadForMaintenance() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config error: %w", err)
	}
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	if cfg.Ledger.Type != "postgres" {
		return nil, logger, fmt.Errorf("ledger type is %q, this command needs 'postgres'", cfg.Ledger.Type)
	}
	return cfg, logger, nil
}
