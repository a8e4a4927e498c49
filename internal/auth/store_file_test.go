package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "accounts.json")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}

	a, err := store.CreateAccount(ctx, Account{Email: "u@x.com", PasswordHash: "h", Name: "U"})
	if err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	r, err := store.EnsureRole(ctx, "admin", "Admin")
	if err != nil {
		t.Fatalf("EnsureRole() error: %v", err)
	}
	if err := store.ReplaceRoles(ctx, a.ID, []int64{r.ID}); err != nil {
		t.Fatalf("ReplaceRoles() error: %v", err)
	}
	if _, err := store.CreateResetToken(ctx, ResetToken{AccountID: a.ID, TokenHash: "digest", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("CreateResetToken() error: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore() second error: %v", err)
	}
	got, err := store2.FindAccountByEmail(ctx, "U@X.COM")
	if err != nil {
		t.Fatalf("FindAccountByEmail() error: %v", err)
	}
	if got.ID != a.ID || got.PasswordHash != "h" || got.Status != StatusActive {
		t.Fatalf("unexpected account after reload: %+v", got)
	}
	roles, err := store2.AccountRoles(ctx, a.ID)
	if err != nil || len(roles) != 1 || roles[0].Code != "admin" {
		t.Fatalf("unexpected roles after reload: %+v, %v", roles, err)
	}
	if _, err := store2.FindUnusedResetToken(ctx, "digest"); err != nil {
		t.Fatalf("FindUnusedResetToken() error: %v", err)
	}
}

func TestFileStoreRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	store, _ := NewFileStore("")
	if _, err := store.CreateAccount(ctx, Account{Email: "u@x.com", PasswordHash: "h"}); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	if _, err := store.CreateAccount(ctx, Account{Email: "U@x.com", PasswordHash: "h"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestFileStoreReplaceRolesIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store, _ := NewFileStore("")
	a, _ := store.CreateAccount(ctx, Account{Email: "u@x.com", PasswordHash: "h"})
	viewer, _ := store.EnsureRole(ctx, "viewer", "Viewer")
	if err := store.ReplaceRoles(ctx, a.ID, []int64{viewer.ID}); err != nil {
		t.Fatalf("ReplaceRoles() error: %v", err)
	}

	if err := store.ReplaceRoles(ctx, a.ID, []int64{viewer.ID, 12345}); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
	roles, _ := store.AccountRoles(ctx, a.ID)
	if len(roles) != 1 || roles[0].Code != "viewer" {
		t.Fatalf("previous roles should be untouched, got %+v", roles)
	}
}

func TestFileStoreRedeemResetToken(t *testing.T) {
	ctx := context.Background()
	store, _ := NewFileStore("")
	a, _ := store.CreateAccount(ctx, Account{Email: "u@x.com", PasswordHash: "old"})
	tok, _ := store.CreateResetToken(ctx, ResetToken{AccountID: a.ID, TokenHash: "digest", ExpiresAt: time.Now().Add(time.Hour)})

	if err := store.RedeemResetToken(ctx, tok.ID, a.ID, "new", time.Now()); err != nil {
		t.Fatalf("RedeemResetToken() error: %v", err)
	}
	if err := store.RedeemResetToken(ctx, tok.ID, a.ID, "newer", time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := store.FindUnusedResetToken(ctx, "digest"); !errors.Is(err, ErrResetTokenNotFound) {
		t.Fatalf("expected used token to be hidden, got %v", err)
	}
	got, _ := store.FindAccountByID(ctx, a.ID)
	if got.PasswordHash != "new" {
		t.Fatalf("expected password hash new, got %q", got.PasswordHash)
	}
}

func TestFileStoreRollsBackOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	a, _ := store.CreateAccount(ctx, Account{Email: "u@x.com", PasswordHash: "old", Name: "U"})
	viewer, _ := store.EnsureRole(ctx, "viewer", "Viewer")
	admin, _ := store.EnsureRole(ctx, "admin", "Admin")
	if err := store.ReplaceRoles(ctx, a.ID, []int64{viewer.ID}); err != nil {
		t.Fatalf("ReplaceRoles() error: %v", err)
	}

	// a directory in place of the state file makes every write fail
	store.path = t.TempDir()
	at := time.Now().Add(time.Hour)

	if err := store.UpdatePassword(ctx, a.ID, "new", at); err == nil {
		t.Fatalf("expected UpdatePassword to fail")
	}
	if _, err := store.UpdateProfile(ctx, a.ID, "Renamed", map[string]any{"k": "v"}, at); err == nil {
		t.Fatalf("expected UpdateProfile to fail")
	}
	if err := store.SetStatus(ctx, a.ID, StatusInactive, at); err == nil {
		t.Fatalf("expected SetStatus to fail")
	}
	if _, err := store.EnsureRole(ctx, "auditor", "Auditor"); err == nil {
		t.Fatalf("expected EnsureRole to fail")
	}
	if err := store.ReplaceRoles(ctx, a.ID, []int64{admin.ID}); err == nil {
		t.Fatalf("expected ReplaceRoles to fail")
	}

	got, err := store.FindAccountByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("FindAccountByID() error: %v", err)
	}
	if got.PasswordHash != "old" || got.Name != "U" || got.Metadata != nil || got.Status != StatusActive {
		t.Fatalf("account changed despite failed writes: %+v", got)
	}
	if got.UpdatedAt.Equal(at) {
		t.Fatalf("updated_at moved despite failed writes")
	}
	for _, r := range store.state.Roles {
		if r.Code == "auditor" {
			t.Fatalf("role kept despite failed write")
		}
	}
	roles, _ := store.AccountRoles(ctx, a.ID)
	if len(roles) != 1 || roles[0].Code != "viewer" {
		t.Fatalf("role assignment changed despite failed write: %+v", roles)
	}
}
