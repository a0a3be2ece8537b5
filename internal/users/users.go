// Package users stores accounts and verifies their credentials.
package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"onetime.share/internal/models"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already in use")
	ErrUsernameTaken      = errors.New("username already in use")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDisabled           = errors.New("account disabled")
	ErrInvalid            = errors.New("invalid user data")
)

const MinPasswordLength = 6

// hashCost is lowered by tests.
var hashCost = bcrypt.DefaultCost

// Store persists users.
type Store interface {
	Create(ctx context.Context, reg Registration) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	// Authenticate accepts an email (anything containing '@') or a username.
	Authenticate(ctx context.Context, identifier, password string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	// UpdateProfile changes username and email after checking the current
	// password.
	UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*models.User, error)
	SetStatus(ctx context.Context, id string, status models.AccountStatus) error
}

// Registration is the sign-up form.
type Registration struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// Validate trims the identity fields and checks every rule of the sign-up
// form.
func (r *Registration) Validate() error {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = normalizeEmail(r.Email)

	if r.Username == "" || r.Email == "" || r.Password == "" || r.ConfirmPassword == "" {
		return fmt.Errorf("%w: all fields are required", ErrInvalid)
	}
	if err := checkIdentity(r.Username, r.Email); err != nil {
		return err
	}
	if len(r.Password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalid, MinPasswordLength)
	}
	if r.Password != r.ConfirmPassword {
		return fmt.Errorf("%w: passwords do not match", ErrInvalid)
	}
	return nil
}

// ProfileUpdate is the profile form.
type ProfileUpdate struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	CurrentPassword string `json:"current_password"`
}

func (p *ProfileUpdate) Validate() error {
	p.Username = strings.TrimSpace(p.Username)
	p.Email = normalizeEmail(p.Email)

	if p.Username == "" || p.Email == "" || p.CurrentPassword == "" {
		return fmt.Errorf("%w: all fields are required", ErrInvalid)
	}
	return checkIdentity(p.Username, p.Email)
}

func checkIdentity(username, email string) error {
	if len(username) > 64 || strings.Contains(username, "@") {
		return fmt.Errorf("%w: username must be at most 64 characters without '@'", ErrInvalid)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || len(email) > 255 {
		return fmt.Errorf("%w: invalid email address", ErrInvalid)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), hashCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// checkPassword compares against a throwaway hash when the account does not
// exist so lookups for unknown identifiers cost the same.
func checkPassword(hash, password string) bool {
	if hash == "" {
		dummyOnce.Do(func() {
			dummyHash, _ = bcrypt.GenerateFromPassword([]byte("dummy-password"), hashCost)
		})
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
