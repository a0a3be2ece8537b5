// Package ledger persists per-token metadata for shared secrets: owner,
// recipient, expiration and whether the secret has been revealed.
//
// Every state change is a single UPDATE qualified by status = 'active', so
// concurrent MarkUsed, Expire and SweepExpired calls converge: a record
// leaves the active state at most once and never comes back.
package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"onetime.share/internal/models"
)

var (
	ErrNotFound       = errors.New("ledger record not found")
	ErrDuplicateToken = errors.New("token already recorded")
	// ErrUnavailable wraps failures to reach the backing storage.
	ErrUnavailable = errors.New("ledger storage unavailable")
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Entry is the input to Record.
type Entry struct {
	Token     string
	Owner     string // empty for anonymous senders
	Recipient string
	ExpiresAt *time.Time
}

// ListOptions controls ListByOwner paging and filtering.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []models.Status // empty means all
}

func (o ListOptions) normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultPageSize
	}
	if o.Limit > MaxPageSize {
		o.Limit = MaxPageSize
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// Ledger is the durable store of secret metadata.
type Ledger interface {
	// Record inserts an active, unused record and returns its id.
	Record(ctx context.Context, e Entry) (int64, error)
	// FindByToken returns ErrNotFound when no record carries token.
	FindByToken(ctx context.Context, token string) (*models.Record, error)
	// MarkUsed moves an active record to used. It reports false when the
	// record was not active any more.
	MarkUsed(ctx context.Context, id int64) (bool, error)
	// Expire moves one active record whose expiration is at or before now
	// to expired.
	Expire(ctx context.Context, id int64, now time.Time) (bool, error)
	// SweepExpired expires every lapsed active record and returns how many
	// rows changed.
	SweepExpired(ctx context.Context) (int64, error)
	// ListByOwner returns records newest first. An empty owner selects
	// anonymous records.
	ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]*models.Record, error)
	Stats(ctx context.Context, owner string) (*models.Stats, error)
	// DeleteOwned removes a record only if owner owns it and returns the
	// removed record, or nil when nothing was removed.
	DeleteOwned(ctx context.Context, id int64, owner string) (*models.Record, error)
	Ping(ctx context.Context) error
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// classify marks connectivity failures with ErrUnavailable so callers can
// tell an outage from a query error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		netErr     net.Error
		connectErr *pgconn.ConnectError
	)
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) ||
		errors.As(err, &connectErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
