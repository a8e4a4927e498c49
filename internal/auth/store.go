package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrRoleNotFound       = errors.New("role not found")
	ErrResetTokenNotFound = errors.New("reset token not found")
	ErrEmailTaken         = errors.New("email already in use")
)

// AccountStore persists accounts and their role assignments. Lookups that
// miss return ErrAccountNotFound.
type AccountStore interface {
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
	FindAccountByID(ctx context.Context, id int64) (Account, error)
	AccountRoles(ctx context.Context, accountID int64) ([]Role, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	CreateAccount(ctx context.Context, a Account) (Account, error)
	UpdatePassword(ctx context.Context, accountID int64, passwordHash string, at time.Time) error
	UpdateProfile(ctx context.Context, accountID int64, name string, metadata map[string]any, at time.Time) (Account, error)
	SetStatus(ctx context.Context, accountID int64, status string, at time.Time) error
	// EnsureRole returns the role with code, creating it when missing.
	EnsureRole(ctx context.Context, code, name string) (Role, error)
	// ReplaceRoles swaps the account's role set atomically. Unknown role ids
	// yield ErrRoleNotFound and leave the previous set untouched.
	ReplaceRoles(ctx context.Context, accountID int64, roleIDs []int64) error
}

// ResetTokenStore persists password-reset tokens.
type ResetTokenStore interface {
	CreateResetToken(ctx context.Context, t ResetToken) (ResetToken, error)
	// FindUnusedResetToken returns the unused token with tokenHash, or
	// ErrResetTokenNotFound.
	FindUnusedResetToken(ctx context.Context, tokenHash string) (ResetToken, error)
	// RedeemResetToken marks the token used and stores the new password hash
	// in one transaction. It returns ErrInvalidToken when the token was
	// already used by a concurrent redemption.
	RedeemResetToken(ctx context.Context, tokenID, accountID int64, passwordHash string, at time.Time) error
	// PurgeResetTokens deletes used tokens and tokens that expired before
	// cutoff, returning how many were removed.
	PurgeResetTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

type Store interface {
	AccountStore
	ResetTokenStore
}
