package auth

import (
	"strconv"
	"time"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

type Account struct {
	ID           int64          `json:"id"`
	Email        string         `json:"email"`
	PasswordHash string         `json:"-"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (a Account) Active() bool { return a.Status == StatusActive }

type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// Identity is the public projection of an account plus its roles. It is the
// only account shape returned to callers and never carries the password hash.
type Identity struct {
	ID       int64          `json:"id"`
	Email    string         `json:"email"`
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Roles    []Role         `json:"roles"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func newIdentity(a Account, roles []Role) Identity {
	if roles == nil {
		roles = []Role{}
	}
	return Identity{
		ID:       a.ID,
		Email:    a.Email,
		Name:     a.Name,
		Status:   a.Status,
		Roles:    roles,
		Metadata: a.Metadata,
	}
}

// Subject is the account id encoded the way it appears in token claims.
func (i Identity) Subject() string { return strconv.FormatInt(i.ID, 10) }

// RoleCodes returns the role codes in assignment order.
func (i Identity) RoleCodes() []string {
	out := make([]string, 0, len(i.Roles))
	for _, r := range i.Roles {
		out = append(out, r.Code)
	}
	return out
}

// LoginResult is returned by a successful password or SSO login.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      Identity  `json:"user"`
}

// ResetToken is a persisted password-reset token. TokenHash is the SHA-256 hex
// digest of the raw token; the raw value is never stored.
type ResetToken struct {
	ID        int64
	AccountID int64
	TokenHash string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}
