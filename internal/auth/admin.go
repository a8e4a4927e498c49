package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

func (s *Service) ListAccounts(ctx context.Context) ([]Identity, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]Identity, 0, len(accounts))
	for _, a := range accounts {
		roles, err := s.store.AccountRoles(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("load roles: %w", err)
		}
		out = append(out, newIdentity(a, roles))
	}
	return out, nil
}

// SetStatus bans or unbans an account. Deactivation takes effect on the next
// request because the session middleware re-reads the account.
func (s *Service) SetStatus(ctx context.Context, accountID int64, status string) (Identity, error) {
	if status != StatusActive && status != StatusInactive {
		return Identity{}, invalidInput("status must be active or inactive")
	}
	if err := s.store.SetStatus(ctx, accountID, status, s.nowFunc().UTC()); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("set status: %w", err)
	}
	return s.loadIdentity(ctx, accountID)
}

// AssignRoles replaces the account's roles with roleIDs in one step.
func (s *Service) AssignRoles(ctx context.Context, accountID int64, roleIDs []int64) (Identity, error) {
	if err := s.store.ReplaceRoles(ctx, accountID, roleIDs); err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			return Identity{}, ErrNotFound
		case errors.Is(err, ErrRoleNotFound):
			return Identity{}, invalidInput("unknown role id")
		}
		return Identity{}, fmt.Errorf("replace roles: %w", err)
	}
	return s.loadIdentity(ctx, accountID)
}

// EnsureBootstrapAdmin creates an active account holding roleCode when no
// account with email exists. It reports whether an account was created.
func (s *Service) EnsureBootstrapAdmin(ctx context.Context, email, password, roleCode string) (bool, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return false, nil
	}
	if _, err := s.store.FindAccountByEmail(ctx, email); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return false, fmt.Errorf("check bootstrap account: %w", err)
	}

	if err := validatePasswordPolicy(password); err != nil {
		return false, fmt.Errorf("bootstrap password: %w", err)
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return false, err
	}
	role, err := s.store.EnsureRole(ctx, roleCode, roleCode)
	if err != nil {
		return false, err
	}
	a, err := s.store.CreateAccount(ctx, Account{
		Email:        email,
		PasswordHash: hash,
		Name:         "Administrator",
		Status:       StatusActive,
	})
	if err != nil {
		return false, fmt.Errorf("create bootstrap account: %w", err)
	}
	if err := s.store.ReplaceRoles(ctx, a.ID, []int64{role.ID}); err != nil {
		return false, fmt.Errorf("assign bootstrap role: %w", err)
	}
	return true, nil
}

func (s *Service) loadIdentity(ctx context.Context, accountID int64) (Identity, error) {
	a, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("find account: %w", err)
	}
	roles, err := s.store.AccountRoles(ctx, a.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("load roles: %w", err)
	}
	return newIdentity(a, roles), nil
}
