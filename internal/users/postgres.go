package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"onetime.share/internal/models"
)

var _ Store = (*Postgres)(nil)

// Postgres implements Store on the users table.
type Postgres struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPostgres(db *sql.DB, logger zerolog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger.With().Str("component", "users").Logger(),
	}
}

const userColumns = `id, username, email, status, created_at, updated_at, last_login`

func (p *Postgres) Create(ctx context.Context, reg Registration) (*models.User, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	hash, err := hashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + userColumns

	user, err := scanUser(p.db.QueryRowContext(ctx, query, uuid.New().String(), reg.Username, reg.Email, hash))
	if err != nil {
		if taken := uniqueConflict(err); taken != nil {
			return nil, taken
		}
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	p.logger.Info().Str("user_id", user.ID).Msg("user registered")
	return user, nil
}

func (p *Postgres) FindByID(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	return p.findOne(ctx, `id = $1`, id)
}

func (p *Postgres) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return p.findOne(ctx, `email = $1`, normalizeEmail(email))
}

func (p *Postgres) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return p.findOne(ctx, `username = $1`, strings.TrimSpace(username))
}

func (p *Postgres) findOne(ctx context.Context, where string, arg any) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	user, err := scanUser(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return user, nil
}

func (p *Postgres) Authenticate(ctx context.Context, identifier, password string) (*models.User, error) {
	column, value := "username", strings.TrimSpace(identifier)
	if strings.Contains(value, "@") {
		column, value = "email", normalizeEmail(value)
	}

	query := `SELECT ` + userColumns + `, password_hash FROM users WHERE ` + column + ` = $1`
	var hash string
	user, err := scanUser(p.db.QueryRowContext(ctx, query, value), &hash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if !checkPassword(hash, password) {
		return nil, ErrInvalidCredentials
	}
	if user.Status != models.AccountActive {
		return nil, ErrDisabled
	}
	return user, nil
}

func (p *Postgres) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE users SET last_login = $2 WHERE id = $1`
	return p.execOne(ctx, "updating last login", query, id, at.UTC())
}

func (p *Postgres) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*models.User, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	var hash string
	err := p.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE id = $1`, id).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if !checkPassword(hash, upd.CurrentPassword) {
		return nil, ErrInvalidCredentials
	}

	query := `
		UPDATE users
		SET username = $2, email = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	user, err := scanUser(p.db.QueryRowContext(ctx, query, id, upd.Username, upd.Email))
	if err != nil {
		if taken := uniqueConflict(err); taken != nil {
			return nil, taken
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return user, nil
}

func (p *Postgres) SetStatus(ctx context.Context, id string, status models.AccountStatus) error {
	query := `UPDATE users SET status = $2, updated_at = NOW() WHERE id = $1`
	return p.execOne(ctx, "updating status", query, id, string(status))
}

func (p *Postgres) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// uniqueConflict maps a unique_violation on users to the matching sentinel.
func uniqueConflict(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return nil
	}
	if strings.Contains(pgErr.ConstraintName, "email") {
		return ErrEmailTaken
	}
	return ErrUsernameTaken
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner, extra ...any) (*models.User, error) {
	var (
		user      models.User
		status    string
		lastLogin sql.NullTime
	)
	dest := append([]any{&user.ID, &user.Username, &user.Email, &status, &user.CreatedAt, &user.UpdatedAt, &lastLogin}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	user.Status = models.AccountStatus(status)
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLogin = &t
	}
	return &user, nil
}
