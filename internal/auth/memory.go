package auth

import (
	"context"
	"sync"
	"time"

	"sqldesk.org/internal/ids"
)

var _ UserStore = (*InMemoryUsers)(nil)

// InMemoryUsers implements UserStore in process memory. Used in tests and as
// a dev fallback when no user database is configured.
type InMemoryUsers struct {
	mu    sync.RWMutex
	byID  map[string]*User
	byNam map[string]string // username -> id
}

func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{
		byID:  make(map[string]*User),
		byNam: make(map[string]string),
	}
}

func (s *InMemoryUsers) Create(ctx context.Context, u *User) error {
	if u.Username == "" || u.PasswordHash == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byNam[u.Username]; exists {
		return ErrAlreadyExists
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Role == "" {
		u.Role = RoleStandard
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	s.byID[u.ID] = &cp
	s.byNam[u.Username] = u.ID
	return nil
}

func (s *InMemoryUsers) Find(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *InMemoryUsers) FindByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	id, ok := s.byNam[username]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s *InMemoryUsers) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if passwordHash == "" {
		return ErrInvalidInput
	}
	return s.update(id, func(u *User) { u.PasswordHash = passwordHash })
}

func (s *InMemoryUsers) SetRole(ctx context.Context, id string, role Role) error {
	if role != RoleAdmin && role != RoleStandard {
		return ErrInvalidInput
	}
	return s.update(id, func(u *User) { u.Role = role })
}

func (s *InMemoryUsers) SetDisabled(ctx context.Context, id string, disabled bool) error {
	return s.update(id, func(u *User) { u.Disabled = disabled })
}

func (s *InMemoryUsers) update(id string, fn func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}
