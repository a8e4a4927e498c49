package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	return store, mock
}

var accountCols = []string{"id", "email", "password_hash", "name", "status", "metadata", "created_at", "updated_at"}

func TestPostgresStoreFindAccountByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM accounts WHERE lower\(email\) = lower\(\$1\)`).
		WithArgs("u@x.com").
		WillReturnRows(sqlmock.NewRows(accountCols).
			AddRow(int64(7), "u@x.com", "hash", "U", "active", []byte(`{"lab":"a"}`), now, now))

	a, err := store.FindAccountByEmail(context.Background(), "u@x.com")
	if err != nil {
		t.Fatalf("FindAccountByEmail() error: %v", err)
	}
	if a.ID != 7 || a.PasswordHash != "hash" || a.Metadata["lab"] != "a" {
		t.Fatalf("unexpected account: %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresStoreFindAccountNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM accounts WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	if _, err := store.FindAccountByID(context.Background(), 9); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgresStoreAccountRolesOrdered(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM account_roles ar\s+JOIN roles r ON r.id = ar.role_id\s+WHERE ar.account_id = \$1\s+ORDER BY ar.id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "code", "description"}).
			AddRow(int64(2), "Admin", "admin", "").
			AddRow(int64(1), "Viewer", "viewer", "read only"))

	roles, err := store.AccountRoles(context.Background(), 7)
	if err != nil {
		t.Fatalf("AccountRoles() error: %v", err)
	}
	if len(roles) != 2 || roles[0].Code != "admin" || roles[1].Code != "viewer" {
		t.Fatalf("unexpected roles: %+v", roles)
	}
}

func TestPostgresStoreCreateAccountDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO accounts").
		WithArgs("u@x.com", "hash", "U", "active", []byte(`{}`)).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.CreateAccount(context.Background(), Account{Email: "u@x.com", PasswordHash: "hash", Name: "U"})
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestPostgresStoreUpdatePasswordMissingAccount(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()
	mock.ExpectExec(`UPDATE accounts SET password_hash = \$2, updated_at = \$3 WHERE id = \$1`).
		WithArgs(int64(3), "hash", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpdatePassword(context.Background(), 3, "hash", at); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgresStoreRedeemResetTokenCommits(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE password_reset_tokens SET used = 'true' WHERE id = \$1 AND used = 'false'`).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE accounts SET password_hash`).
		WithArgs(int64(7), "newhash", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.RedeemResetToken(context.Background(), 11, 7, "newhash", at); err != nil {
		t.Fatalf("RedeemResetToken() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresStoreRedeemResetTokenLostRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE password_reset_tokens SET used = 'true'`).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.RedeemResetToken(context.Background(), 11, 7, "newhash", time.Now())
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresStoreReplaceRolesRollsBackOnUnknownRole(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`DELETE FROM account_roles WHERE account_id = \$1`).WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO account_roles`).WithArgs(int64(7), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO account_roles`).WithArgs(int64(7), int64(99)).
		WillReturnError(&pq.Error{Code: "23503"})
	mock.ExpectRollback()

	err := store.ReplaceRoles(context.Background(), 7, []int64{1, 99, 1})
	if !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations not met: %v", err)
	}
}

func TestPostgresStoreFindUnusedResetToken(t *testing.T) {
	store, mock := newMockStore(t)
	exp := time.Now().Add(time.Hour).UTC()
	mock.ExpectQuery(`FROM password_reset_tokens\s+WHERE token_hash = \$1 AND used = 'false'`).
		WithArgs("digest").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "token_hash", "expires_at", "created_at"}).
			AddRow(int64(11), int64(7), "digest", exp, time.Now()))

	tok, err := store.FindUnusedResetToken(context.Background(), "digest")
	if err != nil {
		t.Fatalf("FindUnusedResetToken() error: %v", err)
	}
	if tok.ID != 11 || tok.AccountID != 7 || !tok.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected token: %+v", tok)
	}
}

func TestPostgresStorePurgeResetTokens(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM password_reset_tokens WHERE used = 'true' OR expires_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.PurgeResetTokens(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PurgeResetTokens() error: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 purged rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
