package auth

import (
	"context"
	"database/sql"
	"strings"

	"sqldesk.org/internal/ids"
)

var _ UserStore = (*PGUserStore)(nil)

// PGUserStore implements UserStore using PostgreSQL.
type PGUserStore struct {
	db *sql.DB
}

func NewPGUserStore(db *sql.DB) *PGUserStore {
	return &PGUserStore{db: db}
}

func (s *PGUserStore) Create(ctx context.Context, u *User) error {
	if strings.TrimSpace(u.Username) == "" || u.PasswordHash == "" {
		return ErrInvalidInput
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Role == "" {
		u.Role = RoleStandard
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, username, password_hash, role, disabled) values($1,$2,$3,$4,$5)`,
		u.ID, u.Username, u.PasswordHash, string(u.Role), u.Disabled,
	)
	return err
}

func (s *PGUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, username, password_hash, role, disabled, created_at from users where id=$1`, id)
	return scanUser(row)
}

func (s *PGUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, username, password_hash, role, disabled, created_at from users where username=$1`, username)
	return scanUser(row)
}

func (s *PGUserStore) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	if passwordHash == "" {
		return ErrInvalidInput
	}
	return s.exec(ctx, `update users set password_hash=$2 where id=$1`, id, passwordHash)
}

func (s *PGUserStore) SetRole(ctx context.Context, id string, role Role) error {
	if role != RoleAdmin && role != RoleStandard {
		return ErrInvalidInput
	}
	return s.exec(ctx, `update users set role=$2 where id=$1`, id, string(role))
}

func (s *PGUserStore) SetDisabled(ctx context.Context, id string, disabled bool) error {
	return s.exec(ctx, `update users set disabled=$2 where id=$1`, id, disabled)
}

func (s *PGUserStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u    User
		role string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &u.Disabled, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Role = ParseRole(role)
	return &u, nil
}
