// Package lifecycle ties the vault and the ledger into one shared-secret
// lifecycle: create, reveal once, expire.
//
// The ledger decides whether a token is still valid and the vault decides
// whether content is still there. Reveal consults the ledger before taking
// from the vault so an already viewed secret is reported as such even after
// its plaintext is gone.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"onetime.share/internal/ledger"
	"onetime.share/internal/mail"
	"onetime.share/internal/metrics"
	"onetime.share/internal/models"
	"onetime.share/internal/vault"
)

const (
	// MaxPlaintextBytes caps the size of a stored secret.
	MaxPlaintextBytes = 64 << 10
	DashboardPageSize = ledger.DefaultPageSize
	defaultRecent     = 5
)

// Options configures a Service.
type Options struct {
	// BaseURL prefixes delivery links, e.g. https://share.example.com.
	BaseURL string
	Mailer  mail.Mailer
	Logger  zerolog.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Owners resolves the sender notified by RequestNew.
	Owners OwnerDirectory
	// NotifyAddress receives RequestNew notifications for anonymous
	// secrets, and for owners that cannot be resolved.
	NotifyAddress string
}

// OwnerDirectory looks up the account that owns a record.
type OwnerDirectory interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
}

// Service coordinates the vault and the ledger.
type Service struct {
	vault   vault.Vault
	ledger  ledger.Ledger
	mailer  mail.Mailer
	owners  OwnerDirectory
	notify  string
	baseURL string
	logger  zerolog.Logger
	now     func() time.Time
}

func New(v vault.Vault, l ledger.Ledger, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		vault:   v,
		ledger:  l,
		mailer:  opts.Mailer,
		owners:  opts.Owners,
		notify:  opts.NotifyAddress,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  opts.Logger.With().Str("component", "lifecycle").Logger(),
		now:     opts.Clock,
	}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Plaintext string
	Owner     string // empty for anonymous senders
	Recipient string
	TTL       string // one of TTLNames, empty for never
}

// Created describes a stored secret.
type Created struct {
	Token     string     `json:"token"`
	URL       string     `json:"url"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RecordID  int64      `json:"id,omitempty"`
	// Tracked is false when the ledger insert failed. The secret can still
	// be revealed once but will not appear on any dashboard.
	Tracked bool `json:"tracked"`
}

// Create stores the plaintext and records its metadata. A ledger failure
// after the vault write is logged and reported through Created.Tracked
// rather than returned.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	ttl, err := ParseTTL(req.TTL)
	if err != nil {
		return nil, err
	}
	expires := expiresAt(s.now(), ttl)

	token, err := s.vault.Put(ctx, req.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("storing secret: %w: %w", ErrStorageUnavailable, err)
	}
	metrics.SecretsCreated.Inc()
	metrics.VaultEntries.Inc()

	created := &Created{
		Token:     token,
		URL:       s.LinkFor(token),
		ExpiresAt: expires,
	}

	id, err := s.ledger.Record(ctx, ledger.Entry{
		Token:     token,
		Owner:     req.Owner,
		Recipient: req.Recipient,
		ExpiresAt: expires,
	})
	if err != nil {
		metrics.RecordLedgerWriteFailure("record")
		s.logger.Warn().Err(err).
			Str("token", Redact(token)).
			Msg("ledger insert failed, vault entry is untracked")
		return created, nil
	}
	created.RecordID = id
	created.Tracked = true

	s.logger.Debug().Str("token", Redact(token)).Int64("record_id", id).Msg("secret created")
	return created, nil
}

// LinkFor returns the reveal URL for token.
func (s *Service) LinkFor(token string) string {
	return s.baseURL + "/password/" + token
}

// Reveal returns the plaintext exactly once.
func (s *Service) Reveal(ctx context.Context, token string) (string, error) {
	if !vault.ValidToken(token) {
		metrics.RecordRevealFailure("not_found")
		return "", ErrNotFound
	}

	rec, err := s.ledger.FindByToken(ctx, token)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		rec = nil
	case err != nil:
		metrics.RecordRevealFailure("unavailable")
		return "", s.storageError("looking up token", err)
	}

	if rec != nil {
		if rec.Consumed() {
			metrics.RecordRevealFailure("already_used")
			return "", ErrAlreadyUsed
		}
		if rec.Status == models.StatusExpired || rec.Lapsed(s.now()) {
			s.expire(ctx, rec)
			metrics.RecordRevealFailure("expired")
			return "", ErrExpired
		}
	}

	plaintext, err := s.vault.Take(ctx, token)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			metrics.RecordRevealFailure("not_found")
			return "", ErrNotFound
		}
		metrics.RecordRevealFailure("unavailable")
		return "", fmt.Errorf("taking secret: %w: %w", ErrStorageUnavailable, err)
	}
	metrics.SecretsRevealed.Inc()
	metrics.VaultEntries.Dec()

	if rec != nil {
		s.markUsed(context.WithoutCancel(ctx), rec.ID, token)
	}
	return plaintext, nil
}

// expire corrects a lapsed record and drops the plaintext it guarded.
func (s *Service) expire(ctx context.Context, rec *models.Record) {
	ctx = context.WithoutCancel(ctx)

	if rec.Status == models.StatusActive {
		changed, err := s.ledger.Expire(ctx, rec.ID, s.now())
		if err != nil {
			metrics.RecordLedgerWriteFailure("expire")
			s.logger.Warn().Err(err).Int64("record_id", rec.ID).Msg("lazy expiration failed")
		} else if changed {
			metrics.SecretsExpired.Inc()
		}
	}

	s.discard(ctx, rec.Token)
}

// discard drops an unread secret from the vault, if it is still there.
func (s *Service) discard(ctx context.Context, token string) {
	if _, err := s.vault.Take(ctx, token); err == nil {
		metrics.VaultEntries.Dec()
	} else if !errors.Is(err, vault.ErrNotFound) {
		s.logger.Warn().Err(err).Str("token", Redact(token)).Msg("discarding secret failed")
	}
}

func (s *Service) markUsed(ctx context.Context, id int64, token string) {
	changed, err := s.ledger.MarkUsed(ctx, id)
	if err != nil {
		metrics.RecordLedgerWriteFailure("mark_used")
		s.logger.Warn().Err(err).Str("token", Redact(token)).Msg("secret revealed but not marked used")
		return
	}
	if !changed {
		s.logger.Warn().Str("token", Redact(token)).Msg("record left active state before mark used")
	}
}

// Deliver emails the link for c to recipient. Failure never affects the
// secret itself.
func (s *Service) Deliver(ctx context.Context, c *Created, recipient string) error {
	if s.mailer == nil {
		metrics.RecordDelivery(false)
		return fmt.Errorf("%w: no mailer configured", ErrDeliveryFailed)
	}
	msg, err := mail.SecretLink(recipient, c.URL, c.ExpiresAt)
	if err != nil {
		metrics.RecordDelivery(false)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		metrics.RecordDelivery(false)
		s.logger.Warn().Err(err).Str("token", Redact(c.Token)).Msg("link delivery failed")
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	metrics.RecordDelivery(true)
	return nil
}

// RequestNew notifies the sender that the recipient of a used or expired
// link wants a new secret. Links that can still be revealed are refused
// with ErrStillActive.
func (s *Service) RequestNew(ctx context.Context, token string) error {
	if !vault.ValidToken(token) {
		return ErrNotFound
	}

	rec, err := s.ledger.FindByToken(ctx, token)
	if errors.Is(err, ledger.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return s.storageError("looking up token", err)
	}

	status := rec.Status
	if status == models.StatusActive && !rec.Consumed() {
		if !rec.Lapsed(s.now()) {
			return ErrStillActive
		}
		s.expire(ctx, rec)
		status = models.StatusExpired
	}

	to := s.contactFor(ctx, rec.Owner)
	if to == "" || s.mailer == nil {
		metrics.RecordNewSecretRequest(false)
		return fmt.Errorf("%w: no one to notify", ErrDeliveryFailed)
	}
	msg, err := mail.NewSecretRequest(to, rec.Recipient, string(status), rec.CreatedAt, s.now())
	if err == nil {
		err = s.mailer.Send(ctx, msg)
	}
	if err != nil {
		metrics.RecordNewSecretRequest(false)
		s.logger.Warn().Err(err).Int64("record_id", rec.ID).Msg("new secret request not sent")
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	metrics.RecordNewSecretRequest(true)
	s.logger.Info().Int64("record_id", rec.ID).Msg("new secret requested")
	return nil
}

// contactFor returns the owner's email, falling back to the notify address.
func (s *Service) contactFor(ctx context.Context, owner string) string {
	if owner == "" || s.owners == nil {
		return s.notify
	}
	u, err := s.owners.FindByID(ctx, owner)
	if err != nil {
		s.logger.Warn().Err(err).Str("owner", owner).Msg("resolving record owner failed")
		return s.notify
	}
	return u.Email
}

// Page is one page of ledger records.
type Page struct {
	Records    []*models.Record `json:"records"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
	Total      int64            `json:"total"`
	TotalPages int              `json:"total_pages"`
}

// List returns page (1-based) of the owner's records, newest first,
// optionally restricted to statuses.
func (s *Service) List(ctx context.Context, owner string, page int, statuses ...models.Status) (*Page, error) {
	s.sweepQuietly(ctx)

	st, err := s.ledger.Stats(ctx, owner)
	if err != nil {
		return nil, s.storageError("loading stats", err)
	}
	return s.page(ctx, owner, page, st, statuses)
}

func (s *Service) page(ctx context.Context, owner string, page int, st *models.Stats, statuses []models.Status) (*Page, error) {
	for _, status := range statuses {
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
		}
	}
	total := countFor(st, statuses)
	pages := totalPages(total, DashboardPageSize)
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}

	records, err := s.ledger.ListByOwner(ctx, owner, ledger.ListOptions{
		Limit:    DashboardPageSize,
		Offset:   (page - 1) * DashboardPageSize,
		Statuses: statuses,
	})
	if err != nil {
		return nil, s.storageError("listing records", err)
	}
	if records == nil {
		records = []*models.Record{}
	}

	return &Page{
		Records:    records,
		Page:       page,
		PageSize:   DashboardPageSize,
		Total:      total,
		TotalPages: pages,
	}, nil
}

// Recent returns the owner's latest records.
func (s *Service) Recent(ctx context.Context, owner string, limit int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = defaultRecent
	}
	records, err := s.ledger.ListByOwner(ctx, owner, ledger.ListOptions{Limit: limit})
	if err != nil {
		return nil, s.storageError("listing recent records", err)
	}
	return records, nil
}

func (s *Service) Stats(ctx context.Context, owner string) (*models.Stats, error) {
	s.sweepQuietly(ctx)

	st, err := s.ledger.Stats(ctx, owner)
	if err != nil {
		return nil, s.storageError("loading stats", err)
	}
	return st, nil
}

// Delete removes a record from the owner's history and revokes its link:
// an unread secret is discarded with it. Anonymous callers cannot delete
// anything.
func (s *Service) Delete(ctx context.Context, id int64, owner string) (bool, error) {
	if owner == "" {
		return false, nil
	}
	rec, err := s.ledger.DeleteOwned(ctx, id, owner)
	if err != nil {
		return false, s.storageError("deleting record", err)
	}
	if rec == nil {
		return false, nil
	}
	s.discard(context.WithoutCancel(ctx), rec.Token)
	return true, nil
}

// Sweep expires every lapsed active record.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	n, err := s.ledger.SweepExpired(ctx)
	if err != nil {
		return 0, s.storageError("sweeping", err)
	}
	metrics.SecretsExpired.Add(float64(n))
	return n, nil
}

func (s *Service) sweepQuietly(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("opportunistic sweep failed")
	}
}

// Dashboard is the owner's overview.
type Dashboard struct {
	Stats *models.Stats `json:"stats"`
	*Page
}

func (s *Service) Dashboard(ctx context.Context, owner string, page int) (*Dashboard, error) {
	s.sweepQuietly(ctx)

	st, err := s.ledger.Stats(ctx, owner)
	if err != nil {
		return nil, s.storageError("loading stats", err)
	}
	p, err := s.page(ctx, owner, page, st, nil)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Stats: st, Page: p}, nil
}

// RunSweeper sweeps every interval until ctx is done. A non-positive
// interval returns immediately.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Int64("expired", n).Msg("sweep complete")
			}
			if count, err := s.vault.Len(ctx); err == nil {
				metrics.VaultEntries.Set(float64(count))
			}
		}
	}
}

// Ping checks the ledger.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.ledger.Ping(ctx); err != nil {
		return s.storageError("pinging ledger", err)
	}
	return nil
}

func (s *Service) storageError(op string, err error) error {
	if errors.Is(err, ledger.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Redact shortens a token for logging.
func Redact(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "…"
}

func validateCreate(req CreateRequest) error {
	if strings.TrimSpace(req.Plaintext) == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidRequest)
	}
	if len(req.Plaintext) > MaxPlaintextBytes {
		return fmt.Errorf("%w: secret exceeds %d bytes", ErrInvalidRequest, MaxPlaintextBytes)
	}
	if !utf8.ValidString(req.Plaintext) {
		return fmt.Errorf("%w: secret is not valid UTF-8", ErrInvalidRequest)
	}
	if !ValidEmail(req.Recipient) {
		return fmt.Errorf("%w: recipient must be an email address", ErrInvalidRequest)
	}
	return nil
}

// ValidEmail accepts a bare address such as a@b.com.
func ValidEmail(s string) bool {
	addr, err := netmail.ParseAddress(s)
	return err == nil && addr.Address == s && strings.Contains(s, "@")
}

func countFor(st *models.Stats, statuses []models.Status) int64 {
	if len(statuses) == 0 {
		return st.Total
	}
	var n int64
	for _, status := range statuses {
		switch status {
		case models.StatusActive:
			n += st.Active
		case models.StatusUsed:
			n += st.Used
		case models.StatusExpired:
			n += st.Expired
		}
	}
	return n
}

func totalPages(total int64, size int) int {
	if total <= 0 {
		return 1
	}
	return int((total + int64(size) - 1) / int64(size))
}
