package auth

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"onetime.share/internal/crypto"
)

var (
	ErrChallengeNotFound = errors.New("login challenge not found")
	ErrChallengeExpired  = errors.New("login code expired")
	ErrInvalidCode       = errors.New("invalid login code")
	ErrTooManyAttempts   = errors.New("too many attempts")
)

const (
	DefaultChallengeTTL = 10 * time.Minute
	DefaultMaxAttempts  = 5
)

// Pending is the account waiting for its login code.
type Pending struct {
	UserID   string
	Email    string
	Username string
}

type challenge struct {
	Pending
	code      string
	expiresAt time.Time
	attempts  int
}

// Challenges holds pending logins between the password step and the code
// step, keyed by an opaque challenge id.
type Challenges struct {
	mu          sync.Mutex
	items       map[string]*challenge
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
	newCode     func() string
}

func NewChallenges(ttl time.Duration, maxAttempts int) *Challenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Challenges{
		items:       make(map[string]*challenge),
		ttl:         ttl,
		maxAttempts: maxAttempts,
		now:         time.Now,
		newCode:     crypto.NewOTPCode,
	}
}

func (c *Challenges) TTL() time.Duration { return c.ttl }

// Start opens a challenge for p and returns its id and code.
func (c *Challenges) Start(p Pending) (id, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked()
	id = crypto.NewChallengeID()
	code = c.newCode()
	c.items[id] = &challenge{Pending: p, code: code, expiresAt: c.now().Add(c.ttl)}
	return id, code
}

// Resend replaces the code and restarts its validity window. Failed
// attempts carry over.
func (c *Challenges) Resend(id string) (Pending, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.items[id]
	if !ok {
		return Pending{}, "", ErrChallengeNotFound
	}
	ch.code = c.newCode()
	ch.expiresAt = c.now().Add(c.ttl)
	return ch.Pending, ch.code, nil
}

// Verify consumes the challenge on success. An expired challenge, or the
// attempt that reaches the limit, removes it too.
func (c *Challenges) Verify(id, code string) (Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.items[id]
	if !ok {
		return Pending{}, ErrChallengeNotFound
	}
	if !c.now().Before(ch.expiresAt) {
		delete(c.items, id)
		return Pending{}, ErrChallengeExpired
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(ch.code)) != 1 {
		ch.attempts++
		if ch.attempts >= c.maxAttempts {
			delete(c.items, id)
			return Pending{}, ErrTooManyAttempts
		}
		return Pending{}, ErrInvalidCode
	}

	delete(c.items, id)
	return ch.Pending, nil
}

// Cancel drops a challenge.
func (c *Challenges) Cancel(id string) {
	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()
}

// Len reports open challenges, expired ones included until the next Start.
func (c *Challenges) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Challenges) purgeLocked() {
	now := c.now()
	for id, ch := range c.items {
		if !now.Before(ch.expiresAt) {
			delete(c.items, id)
		}
	}
}
