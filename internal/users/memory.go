package users

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"onetime.share/internal/models"
)

var _ Store = (*Memory)(nil)

type memoryUser struct {
	user models.User
	hash string
}

// Memory is a process-local Store for development and tests.
type Memory struct {
	mu    sync.RWMutex
	users map[string]*memoryUser
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]*memoryUser)}
}

func (m *Memory) Create(ctx context.Context, reg Registration) (*models.User, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	hash, err := hashPassword(reg.Password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.conflict("", reg.Username, reg.Email); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &memoryUser{
		user: models.User{
			ID:        uuid.New().String(),
			Username:  reg.Username,
			Email:     reg.Email,
			Status:    models.AccountActive,
			CreatedAt: now,
			UpdatedAt: now,
		},
		hash: hash,
	}
	m.users[u.user.ID] = u
	return u.copy(), nil
}

// conflict must be called with mu held.
func (m *Memory) conflict(selfID, username, email string) error {
	for id, u := range m.users {
		if id == selfID {
			continue
		}
		if u.user.Email == email {
			return ErrEmailTaken
		}
		if u.user.Username == username {
			return ErrUsernameTaken
		}
	}
	return nil
}

func (m *Memory) FindByID(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.copy(), nil
}

func (m *Memory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Email == normalizeEmail(email) })
}

func (m *Memory) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.Username == strings.TrimSpace(username) })
}

func (m *Memory) find(match func(*models.User) bool) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if match(&u.user) {
			return u.copy(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Authenticate(ctx context.Context, identifier, password string) (*models.User, error) {
	identifier = strings.TrimSpace(identifier)

	var found *memoryUser
	m.mu.RLock()
	for _, u := range m.users {
		if (strings.Contains(identifier, "@") && u.user.Email == normalizeEmail(identifier)) ||
			u.user.Username == identifier {
			found = &memoryUser{user: *u.copy(), hash: u.hash}
			break
		}
	}
	m.mu.RUnlock()

	var hash string
	if found != nil {
		hash = found.hash
	}
	if !checkPassword(hash, password) {
		return nil, ErrInvalidCredentials
	}
	if found.user.Status != models.AccountActive {
		return nil, ErrDisabled
	}
	return &found.user, nil
}

func (m *Memory) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	u.user.LastLogin = &t
	return nil
}

func (m *Memory) UpdateProfile(ctx context.Context, id string, upd ProfileUpdate) (*models.User, error) {
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	u, ok := m.users[id]
	var hash string
	if ok {
		hash = u.hash
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !checkPassword(hash, upd.CurrentPassword) {
		return nil, ErrInvalidCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok = m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := m.conflict(id, upd.Username, upd.Email); err != nil {
		return nil, err
	}
	u.user.Username = upd.Username
	u.user.Email = upd.Email
	u.user.UpdatedAt = time.Now().UTC()
	return u.copy(), nil
}

func (m *Memory) SetStatus(ctx context.Context, id string, status models.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.user.Status = status
	u.user.UpdatedAt = time.Now().UTC()
	return nil
}

func (u *memoryUser) copy() *models.User {
	c := u.user
	if u.user.LastLogin != nil {
		t := *u.user.LastLogin
		c.LastLogin = &t
	}
	return &c
}
