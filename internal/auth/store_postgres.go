package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"bioadmin/accounts/internal/dbx"
)

// PostgresStore implements Store on the schema created by the migrations
// package.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &PostgresStore{db: db}, nil
}

const accountColumns = `id, email, password_hash, name, status, metadata, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	var metadata []byte
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Name, &a.Status, &metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return Account{}, fmt.Errorf("decode account metadata: %w", err)
		}
	}
	return a, nil
}

func (s *PostgresStore) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Account{}, ErrAccountNotFound
	}
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE lower(email) = lower($1)`
	a, err := scanAccount(s.db.QueryRowContext(ctx, q, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by email: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) FindAccountByID(ctx context.Context, id int64) (Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	a, err := scanAccount(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account by id: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) AccountRoles(ctx context.Context, accountID int64) ([]Role, error) {
	const q = `
SELECT r.id, r.name, r.code, r.description
FROM account_roles ar
JOIN roles r ON r.id = ar.role_id
WHERE ar.account_id = $1
ORDER BY ar.id`
	rows, err := s.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, fmt.Errorf("query account roles: %w", err)
	}
	defer rows.Close()

	out := make([]Role, 0)
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Code, &r.Description); err != nil {
			return nil, fmt.Errorf("scan account role: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account roles: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	out := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a Account) (Account, error) {
	a.Email = strings.TrimSpace(a.Email)
	if a.Email == "" || a.PasswordHash == "" {
		return Account{}, fmt.Errorf("email and password hash are required")
	}
	if a.Status == "" {
		a.Status = StatusActive
	}
	metadata, err := encodeMetadata(a.Metadata)
	if err != nil {
		return Account{}, err
	}

	const q = `
INSERT INTO accounts (email, password_hash, name, status, metadata)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at, updated_at`
	err = s.db.QueryRowContext(ctx, q, a.Email, a.PasswordHash, a.Name, a.Status, metadata).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Account{}, ErrEmailTaken
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, accountID int64, passwordHash string, at time.Time) error {
	const q = `UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`
	return s.execOne(ctx, s.db, q, "update password", accountID, passwordHash, at)
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, accountID int64, name string, metadata map[string]any, at time.Time) (Account, error) {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return Account{}, err
	}
	q := `UPDATE accounts SET name = $2, metadata = $3, updated_at = $4 WHERE id = $1 RETURNING ` + accountColumns
	a, err := scanAccount(s.db.QueryRowContext(ctx, q, accountID, name, encoded, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("update profile: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, accountID int64, status string, at time.Time) error {
	const q = `UPDATE accounts SET status = $2, updated_at = $3 WHERE id = $1`
	return s.execOne(ctx, s.db, q, "update status", accountID, status, at)
}

func (s *PostgresStore) EnsureRole(ctx context.Context, code, name string) (Role, error) {
	const q = `
INSERT INTO roles (code, name)
VALUES ($1, $2)
ON CONFLICT (code) DO UPDATE SET code = EXCLUDED.code
RETURNING id, name, code, description`
	var r Role
	if err := s.db.QueryRowContext(ctx, q, code, name).Scan(&r.ID, &r.Name, &r.Code, &r.Description); err != nil {
		return Role{}, fmt.Errorf("ensure role %s: %w", code, err)
	}
	return r, nil
}

func (s *PostgresStore) ReplaceRoles(ctx context.Context, accountID int64, roleIDs []int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		if !exists {
			return ErrAccountNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM account_roles WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("delete account roles: %w", err)
		}
		for _, roleID := range dedupe(roleIDs) {
			_, err := tx.ExecContext(ctx, `INSERT INTO account_roles (account_id, role_id) VALUES ($1, $2)`, accountID, roleID)
			if err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code == "23503" {
					return ErrRoleNotFound
				}
				return fmt.Errorf("insert account role: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) CreateResetToken(ctx context.Context, t ResetToken) (ResetToken, error) {
	const q = `
INSERT INTO password_reset_tokens (account_id, token_hash, expires_at, used)
VALUES ($1, $2, $3, 'false')
RETURNING id, created_at`
	if err := s.db.QueryRowContext(ctx, q, t.AccountID, t.TokenHash, t.ExpiresAt).Scan(&t.ID, &t.CreatedAt); err != nil {
		return ResetToken{}, fmt.Errorf("insert reset token: %w", err)
	}
	t.Used = false
	return t, nil
}

func (s *PostgresStore) FindUnusedResetToken(ctx context.Context, tokenHash string) (ResetToken, error) {
	const q = `
SELECT id, account_id, token_hash, expires_at, created_at
FROM password_reset_tokens
WHERE token_hash = $1 AND used = 'false'`
	var t ResetToken
	err := s.db.QueryRowContext(ctx, q, tokenHash).Scan(&t.ID, &t.AccountID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResetToken{}, ErrResetTokenNotFound
		}
		return ResetToken{}, fmt.Errorf("query reset token: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) RedeemResetToken(ctx context.Context, tokenID, accountID int64, passwordHash string, at time.Time) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		const markUsed = `UPDATE password_reset_tokens SET used = 'true' WHERE id = $1 AND used = 'false'`
		res, err := tx.ExecContext(ctx, markUsed, tokenID)
		if err != nil {
			return fmt.Errorf("mark reset token used: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark reset token used: %w", err)
		}
		if n != 1 {
			return ErrInvalidToken
		}
		const q = `UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1`
		return s.execOne(ctx, tx, q, "update password", accountID, passwordHash, at)
	})
}

func (s *PostgresStore) PurgeResetTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM password_reset_tokens WHERE used = 'true' OR expires_at < $1`
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge reset tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge reset tokens: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) execOne(ctx context.Context, db dbx.DBTX, q, op string, args ...any) error {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode account metadata: %w", err)
	}
	return b, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
