package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"onetime.share/internal/models"
)

// Compile-time interface check
var _ Ledger = (*Postgres)(nil)

// Postgres implements Ledger on the passwords table.
type Postgres struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewPostgres(db *sql.DB, logger zerolog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

const recordColumns = `id, token, owner_id, recipient_email, created_at, expires_at, is_used, used_at, status`

func (p *Postgres) Record(ctx context.Context, e Entry) (int64, error) {
	query := `
		INSERT INTO passwords (token, owner_id, recipient_email, expires_at)
		VALUES ($1, $2::uuid, $3, $4)
		RETURNING id`

	var id int64
	err := p.db.QueryRowContext(ctx, query, e.Token, nullString(e.Owner), e.Recipient, nullTime(e.ExpiresAt)).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateToken
		}
		return 0, classify("inserting record", err)
	}
	return id, nil
}

func (p *Postgres) FindByToken(ctx context.Context, token string) (*models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM passwords WHERE token = $1 LIMIT 1`

	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify("querying record", err)
	}
	return rec, nil
}

func (p *Postgres) MarkUsed(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE passwords
		SET is_used = TRUE, used_at = NOW(), status = 'used'
		WHERE id = $1 AND status = 'active'`

	return p.execChanged(ctx, "marking record used", query, id)
}

func (p *Postgres) Expire(ctx context.Context, id int64, now time.Time) (bool, error) {
	query := `
		UPDATE passwords
		SET status = 'expired'
		WHERE id = $1
		  AND status = 'active'
		  AND expires_at IS NOT NULL
		  AND expires_at <= $2`

	return p.execChanged(ctx, "expiring record", query, id, now.UTC())
}

func (p *Postgres) SweepExpired(ctx context.Context) (int64, error) {
	query := `
		UPDATE passwords
		SET status = 'expired'
		WHERE status = 'active'
		  AND expires_at IS NOT NULL
		  AND expires_at <= NOW()`

	result, err := p.db.ExecContext(ctx, query)
	if err != nil {
		return 0, classify("sweeping expired records", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, classify("getting rows affected", err)
	}
	if n > 0 {
		p.logger.Info().Int64("count", n).Msg("marked records expired")
	}
	return n, nil
}

func (p *Postgres) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]*models.Record, error) {
	opts = opts.normalize()

	var statuses []string
	for _, s := range opts.Statuses {
		statuses = append(statuses, string(s))
	}

	query := `
		SELECT ` + recordColumns + `
		FROM passwords
		WHERE owner_id IS NOT DISTINCT FROM $1::uuid
		  AND ($2::text[] IS NULL OR status = ANY($2::text[]))
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`

	rows, err := p.db.QueryContext(ctx, query, nullString(owner), pq.Array(statuses), opts.Limit, opts.Offset)
	if err != nil {
		return nil, classify("querying records", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("scanning record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterating records", err)
	}
	return records, nil
}

func (p *Postgres) Stats(ctx context.Context, owner string) (*models.Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_used),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'expired')
		FROM passwords
		WHERE owner_id IS NOT DISTINCT FROM $1::uuid`

	var st models.Stats
	err := p.db.QueryRowContext(ctx, query, nullString(owner)).Scan(&st.Total, &st.Used, &st.Active, &st.Expired)
	if err != nil {
		return nil, classify("querying stats", err)
	}
	return &st, nil
}

func (p *Postgres) DeleteOwned(ctx context.Context, id int64, owner string) (*models.Record, error) {
	if owner == "" {
		return nil, nil
	}
	query := `DELETE FROM passwords WHERE id = $1 AND owner_id = $2::uuid RETURNING ` + recordColumns

	rec, err := scanRecord(p.db.QueryRowContext(ctx, query, id, owner))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("deleting record", err)
	}
	return rec, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return classify("pinging ledger", p.db.PingContext(ctx))
}

func (p *Postgres) execChanged(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, classify(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, classify("getting rows affected", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.Record, error) {
	var (
		rec       models.Record
		owner     sql.NullString
		expiresAt sql.NullTime
		usedAt    sql.NullTime
		status    string
	)
	err := s.Scan(&rec.ID, &rec.Token, &owner, &rec.Recipient, &rec.CreatedAt, &expiresAt, &rec.Used, &usedAt, &status)
	if err != nil {
		return nil, err
	}
	rec.Owner = owner.String
	rec.Status = models.Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	if usedAt.Valid {
		t := usedAt.Time
		rec.UsedAt = &t
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
