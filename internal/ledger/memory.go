package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"onetime.share/internal/models"
)

var _ Ledger = (*Memory)(nil)

// Memory is a process-local Ledger for development and tests. It follows
// the same transition rules as Postgres.
type Memory struct {
	mu      sync.Mutex
	records map[int64]*models.Record
	byToken map[string]int64
	nextID  int64
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[int64]*models.Record),
		byToken: make(map[string]int64),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for created-at, used-at and sweeps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) Record(ctx context.Context, e Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byToken[e.Token]; dup {
		return 0, ErrDuplicateToken
	}

	m.nextID++
	rec := &models.Record{
		ID:        m.nextID,
		Token:     e.Token,
		Owner:     e.Owner,
		Recipient: e.Recipient,
		CreatedAt: m.now(),
		Status:    models.StatusActive,
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		rec.ExpiresAt = &t
	}
	m.records[rec.ID] = rec
	m.byToken[rec.Token] = rec.ID
	return rec.ID, nil
}

func (m *Memory) FindByToken(ctx context.Context, token string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.records[id]), nil
}

func (m *Memory) MarkUsed(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.Status != models.StatusActive {
		return false, nil
	}
	now := m.now()
	rec.Used = true
	rec.UsedAt = &now
	rec.Status = models.StatusUsed
	return true, nil
}

func (m *Memory) Expire(ctx context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || rec.Status != models.StatusActive || !rec.Lapsed(now) {
		return false, nil
	}
	rec.Status = models.StatusExpired
	return true, nil
}

func (m *Memory) SweepExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for _, rec := range m.records {
		if rec.Status == models.StatusActive && rec.Lapsed(now) {
			rec.Status = models.StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListByOwner(ctx context.Context, owner string, opts ListOptions) ([]*models.Record, error) {
	opts = opts.normalize()

	m.mu.Lock()
	var matched []*models.Record
	for _, rec := range m.records {
		if rec.Owner != owner {
			continue
		}
		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, rec.Status) {
			continue
		}
		matched = append(matched, clone(rec))
	}
	m.mu.Unlock()

	slices.SortFunc(matched, func(a, b *models.Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})

	if opts.Offset >= len(matched) {
		return nil, nil
	}
	end := min(opts.Offset+opts.Limit, len(matched))
	return matched[opts.Offset:end], nil
}

func (m *Memory) Stats(ctx context.Context, owner string) (*models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st models.Stats
	for _, rec := range m.records {
		if rec.Owner != owner {
			continue
		}
		st.Total++
		if rec.Used {
			st.Used++
		}
		switch rec.Status {
		case models.StatusActive:
			st.Active++
		case models.StatusExpired:
			st.Expired++
		}
	}
	return &st, nil
}

func (m *Memory) DeleteOwned(ctx context.Context, id int64, owner string) (*models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || owner == "" || rec.Owner != owner {
		return nil, nil
	}
	delete(m.byToken, rec.Token)
	delete(m.records, id)
	return clone(rec), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func clone(rec *models.Record) *models.Record {
	c := *rec
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		c.ExpiresAt = &t
	}
	if rec.UsedAt != nil {
		t := *rec.UsedAt
		c.UsedAt = &t
	}
	return &c
}
