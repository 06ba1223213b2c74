package auth

import (
	"strings"
	"time"
)

// Role controls access to protected tables and to the audit trail.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStandard Role = "standard"
)

// ParseRole normalizes a role string, defaulting unknown values to standard.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RoleAdmin):
		return RoleAdmin
	default:
		return RoleStandard
	}
}

// User is an operator allowed to submit queries. Users are soft-disabled,
// never deleted, so audit records keep a valid actor reference.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
}
