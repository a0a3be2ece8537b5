package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"onetime.share/config"
	"onetime.share/internal/database"
	"onetime.share/internal/ledger"
	"onetime.share/internal/mail"
	"onetime.share/internal/users"
	"onetime.share/internal/vault"
)

func initVault(cfg *config.Config, logger zerolog.Logger) (vault.Vault, error) {
	switch cfg.Vault.Type {
	case "redis":
		v, err := vault.NewRedisVault(vault.RedisOptions{
			Client: &redis.Options{
				Addr:     cfg.Vault.Redis.Addr,
				Password: cfg.Vault.Redis.Password,
				DB:       cfg.Vault.Redis.DB,
			},
			Prefix:    cfg.Vault.Redis.KeyPrefix,
			Retention: cfg.Vault.Redis.Retention,
		})
		if err != nil {
			return nil, err
		}
		logger.Info().Str("addr", cfg.Vault.Redis.Addr).Msg("using redis vault")
		return v, nil
	default:
		logger.Warn().Msg("using in-memory vault, secrets are lost on restart")
		return vault.NewMemoryVault(), nil
	}
}

// storage is the ledger and user store pair. Both share one database pool
// when the ledger is postgres.
type storage struct {
	ledger ledger.Ledger
	users  users.Store
	db     *sql.DB
}

func (s *storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func initStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	if cfg.Ledger.Type != "postgres" {
		logger.Warn().Msg("using in-memory ledger and user store")
		return &storage{ledger: ledger.NewMemory(), users: users.NewMemory()}, nil
	}

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Ledger.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info().Msg("schema up to date")
	}

	return &storage{
		ledger: ledger.NewPostgres(db, logger),
		users:  users.NewPostgres(db, logger),
		db:     db,
	}, nil
}

func openDatabase(cfg *config.Config, logger zerolog.Logger) (*sql.DB, error) {
	if cfg.Ledger.DSN == "" {
		return nil, fmt.Errorf("ledger dsn is required")
	}
	dbCfg := database.DefaultConfig(cfg.Ledger.DSN)
	if cfg.Ledger.MaxOpenConns > 0 {
		dbCfg.MaxOpenConns = cfg.Ledger.MaxOpenConns
	}
	if cfg.Ledger.MaxIdleConns > 0 {
		dbCfg.MaxIdleConns = cfg.Ledger.MaxIdleConns
	}
	if cfg.Ledger.ConnMaxLifetime > 0 {
		dbCfg.ConnMaxLifetime = cfg.Ledger.ConnMaxLifetime
	}
	return database.Open(dbCfg, logger)
}

func initMailer(cfg *config.Config, logger zerolog.Logger) mail.Mailer {
	if cfg.Mail.Type == "smtp" {
		logger.Info().Str("host", cfg.Mail.Host).Int("port", cfg.Mail.Port).Msg("using smtp mailer")
		return mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			Timeout:  cfg.Mail.Timeout,
		})
	}
	logger.Warn().Msg("using log mailer, no email will be sent")
	return mail.NewLogMailer(logger)
}
