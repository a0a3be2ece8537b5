// Package database opens the PostgreSQL connection pool shared by the
// ledger and the user store, and owns the schema.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible pool defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// Open opens and verifies a connection pool using the pgx stdlib driver.
func Open(cfg *Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("connected to PostgreSQL")
	return db, nil
}

// Schema creates the users and passwords tables. Every statement is
// idempotent so Migrate can run on each boot.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	username      VARCHAR(64)  NOT NULL UNIQUE,
	email         VARCHAR(255) NOT NULL UNIQUE,
	password_hash TEXT         NOT NULL,
	status        VARCHAR(16)  NOT NULL DEFAULT 'active',
	created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	last_login    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS passwords (
	id              BIGSERIAL PRIMARY KEY,
	token           CHAR(32)     NOT NULL UNIQUE,
	owner_id        UUID         REFERENCES users(id) ON DELETE SET NULL,
	recipient_email VARCHAR(255) NOT NULL,
	created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ,
	is_used         BOOLEAN      NOT NULL DEFAULT FALSE,
	used_at         TIMESTAMPTZ,
	status          VARCHAR(16)  NOT NULL DEFAULT 'active',
	CONSTRAINT passwords_status_check CHECK (status IN ('active', 'used', 'expired')),
	CONSTRAINT passwords_used_flag_check CHECK (status <> 'used' OR is_used)
);

CREATE INDEX IF NOT EXISTS idx_passwords_owner_created ON passwords (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_passwords_active_expiry ON passwords (expires_at) WHERE status = 'active';
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
