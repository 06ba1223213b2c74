package auth

import "context"

// UserStore describes persistence operations for user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	SetRole(ctx context.Context, id string, role Role) error
	SetDisabled(ctx context.Context, id string, disabled bool) error
}

// Authenticate resolves a username/password pair against the store.
// Disabled accounts never authenticate.
func Authenticate(ctx context.Context, store UserStore, username, password string) (*User, error) {
	if store == nil {
		return nil, ErrUnauthorized
	}
	user, err := store.FindByUsername(ctx, username)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if user.Disabled {
		return nil, ErrDisabled
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrUnauthorized
	}
	return user, nil
}
