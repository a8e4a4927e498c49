package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore keeps accounts, roles and reset tokens in memory and, when a path
// is set, rewrites them to a JSON file after every mutation. It is meant for
// local runs without Postgres.
type FileStore struct {
	path string

	mu    sync.RWMutex
	state fileState
}

type fileState struct {
	Accounts    []fileAccount    `json:"accounts"`
	Roles       []Role           `json:"roles"`
	Assignments []fileAssignment `json:"assignments"`
	ResetTokens []ResetToken     `json:"reset_tokens"`
	NextID      int64            `json:"next_id"`
}

// fileAccount exists because Account hides the hash from JSON.
type fileAccount struct {
	Account
	PasswordHash string `json:"password_hash"`
}

type fileAssignment struct {
	AccountID int64 `json:"account_id"`
	RoleID    int64 `json:"role_id"`
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: strings.TrimSpace(path)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) FindAccountByEmail(_ context.Context, email string) (Account, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Account{}, ErrAccountNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.state.Accounts {
		if strings.EqualFold(a.Email, email) {
			return a.toAccount(), nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *FileStore) FindAccountByID(_ context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.accountIndexLocked(id)
	if i < 0 {
		return Account{}, ErrAccountNotFound
	}
	return s.state.Accounts[i].toAccount(), nil
}

func (s *FileStore) AccountRoles(_ context.Context, accountID int64) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0)
	for _, as := range s.state.Assignments {
		if as.AccountID != accountID {
			continue
		}
		if r, ok := s.roleLocked(as.RoleID); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *FileStore) ListAccounts(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.state.Accounts))
	for _, a := range s.state.Accounts {
		out = append(out, a.toAccount())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) CreateAccount(_ context.Context, a Account) (Account, error) {
	a.Email = strings.TrimSpace(a.Email)
	if a.Email == "" || a.PasswordHash == "" {
		return Account{}, fmt.Errorf("email and password hash are required")
	}
	if a.Status == "" {
		a.Status = StatusActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.state.Accounts {
		if strings.EqualFold(existing.Email, a.Email) {
			return Account{}, ErrEmailTaken
		}
	}
	now := time.Now().UTC()
	a.ID = s.nextIDLocked()
	a.CreatedAt, a.UpdatedAt = now, now
	s.state.Accounts = append(s.state.Accounts, fileAccount{Account: a, PasswordHash: a.PasswordHash})
	if err := s.persistLocked(); err != nil {
		s.state.Accounts = s.state.Accounts[:len(s.state.Accounts)-1]
		return Account{}, err
	}
	return a, nil
}

func (s *FileStore) UpdatePassword(_ context.Context, accountID int64, passwordHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.accountIndexLocked(accountID)
	if i < 0 {
		return ErrAccountNotFound
	}
	prev := s.state.Accounts[i]
	s.state.Accounts[i].PasswordHash = passwordHash
	s.state.Accounts[i].UpdatedAt = at
	if err := s.persistLocked(); err != nil {
		s.state.Accounts[i] = prev
		return err
	}
	return nil
}

func (s *FileStore) UpdateProfile(_ context.Context, accountID int64, name string, metadata map[string]any, at time.Time) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.accountIndexLocked(accountID)
	if i < 0 {
		return Account{}, ErrAccountNotFound
	}
	prev := s.state.Accounts[i]
	s.state.Accounts[i].Name = name
	s.state.Accounts[i].Metadata = metadata
	s.state.Accounts[i].UpdatedAt = at
	if err := s.persistLocked(); err != nil {
		s.state.Accounts[i] = prev
		return Account{}, err
	}
	return s.state.Accounts[i].toAccount(), nil
}

func (s *FileStore) SetStatus(_ context.Context, accountID int64, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.accountIndexLocked(accountID)
	if i < 0 {
		return ErrAccountNotFound
	}
	prev := s.state.Accounts[i]
	s.state.Accounts[i].Status = status
	s.state.Accounts[i].UpdatedAt = at
	if err := s.persistLocked(); err != nil {
		s.state.Accounts[i] = prev
		return err
	}
	return nil
}

func (s *FileStore) EnsureRole(_ context.Context, code, name string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.state.Roles {
		if r.Code == code {
			return r, nil
		}
	}
	r := Role{ID: s.nextIDLocked(), Code: code, Name: name}
	s.state.Roles = append(s.state.Roles, r)
	if err := s.persistLocked(); err != nil {
		s.state.Roles = s.state.Roles[:len(s.state.Roles)-1]
		return Role{}, err
	}
	return r, nil
}

func (s *FileStore) ReplaceRoles(_ context.Context, accountID int64, roleIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountIndexLocked(accountID) < 0 {
		return ErrAccountNotFound
	}
	for _, id := range roleIDs {
		if _, ok := s.roleLocked(id); !ok {
			return ErrRoleNotFound
		}
	}

	kept := make([]fileAssignment, 0, len(s.state.Assignments))
	for _, as := range s.state.Assignments {
		if as.AccountID != accountID {
			kept = append(kept, as)
		}
	}
	seen := make(map[int64]bool, len(roleIDs))
	for _, id := range roleIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		kept = append(kept, fileAssignment{AccountID: accountID, RoleID: id})
	}
	prev := s.state.Assignments
	s.state.Assignments = kept
	if err := s.persistLocked(); err != nil {
		s.state.Assignments = prev
		return err
	}
	return nil
}

func (s *FileStore) CreateResetToken(_ context.Context, t ResetToken) (ResetToken, error) {
	if t.TokenHash == "" || t.AccountID == 0 {
		return ResetToken{}, fmt.Errorf("account id and token hash are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.ID = s.nextIDLocked()
	t.Used = false
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.state.ResetTokens = append(s.state.ResetTokens, t)
	if err := s.persistLocked(); err != nil {
		s.state.ResetTokens = s.state.ResetTokens[:len(s.state.ResetTokens)-1]
		return ResetToken{}, err
	}
	return t, nil
}

func (s *FileStore) FindUnusedResetToken(_ context.Context, tokenHash string) (ResetToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.state.ResetTokens {
		if t.TokenHash == tokenHash && !t.Used {
			return t, nil
		}
	}
	return ResetToken{}, ErrResetTokenNotFound
}

func (s *FileStore) RedeemResetToken(_ context.Context, tokenID, accountID int64, passwordHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ti := slices.IndexFunc(s.state.ResetTokens, func(t ResetToken) bool { return t.ID == tokenID })
	if ti < 0 || s.state.ResetTokens[ti].Used {
		return ErrInvalidToken
	}
	ai := s.accountIndexLocked(accountID)
	if ai < 0 {
		return ErrAccountNotFound
	}

	prevHash, prevUpdated := s.state.Accounts[ai].PasswordHash, s.state.Accounts[ai].UpdatedAt
	s.state.ResetTokens[ti].Used = true
	s.state.Accounts[ai].PasswordHash = passwordHash
	s.state.Accounts[ai].UpdatedAt = at
	if err := s.persistLocked(); err != nil {
		s.state.ResetTokens[ti].Used = false
		s.state.Accounts[ai].PasswordHash = prevHash
		s.state.Accounts[ai].UpdatedAt = prevUpdated
		return err
	}
	return nil
}

func (s *FileStore) PurgeResetTokens(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.ResetTokens
	kept := make([]ResetToken, 0, len(prev))
	for _, t := range prev {
		if t.Used || t.ExpiresAt.Before(cutoff) {
			continue
		}
		kept = append(kept, t)
	}
	removed := int64(len(prev) - len(kept))
	if removed == 0 {
		return 0, nil
	}
	s.state.ResetTokens = kept
	if err := s.persistLocked(); err != nil {
		s.state.ResetTokens = prev
		return 0, err
	}
	return removed, nil
}

func (s *FileStore) accountIndexLocked(id int64) int {
	return slices.IndexFunc(s.state.Accounts, func(a fileAccount) bool { return a.ID == id })
}

func (s *FileStore) roleLocked(id int64) (Role, bool) {
	for _, r := range s.state.Roles {
		if r.ID == id {
			return r, true
		}
	}
	return Role{}, false
}

func (s *FileStore) nextIDLocked() int64 {
	s.state.NextID++
	return s.state.NextID
}

func (a fileAccount) toAccount() Account {
	out := a.Account
	out.PasswordHash = a.PasswordHash
	return out
}

func (s *FileStore) load() error {
	if s.path == "" {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read account store file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &s.state); err != nil {
		return fmt.Errorf("decode account store file: %w", err)
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode account store file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir account store dir: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write account store file: %w", err)
	}
	return nil
}
