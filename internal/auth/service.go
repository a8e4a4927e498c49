package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const DefaultResetTTL = time.Hour

// Notifier delivers account emails. Implementations live in the mail package.
type Notifier interface {
	SendPasswordReset(ctx context.Context, to, name, link string, expiresAt time.Time) error
	SendPasswordChanged(ctx context.Context, to, name string) error
}

// SSOCredential is what a client presents to /auth/sso: either an ID token
// obtained by the client or an authorization code to exchange.
type SSOCredential struct {
	IDToken string
	Code    string
}

type ExternalIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

// ExternalVerifier validates an SSO credential with the identity provider.
type ExternalVerifier interface {
	VerifyExternal(ctx context.Context, cred SSOCredential) (ExternalIdentity, error)
}

type Service struct {
	store    Store
	hasher   Hasher
	signer   *TokenSigner
	notifier Notifier
	external ExternalVerifier
	log      *slog.Logger

	resetTTL     time.Duration
	allowedHosts map[string]bool
	nowFunc      func() time.Time
}

type ServiceConfig struct {
	Hasher   Hasher
	Signer   *TokenSigner
	Notifier Notifier
	// External is optional; LoginWithSSO fails with InvalidCredentials when nil.
	External ExternalVerifier
	Logger   *slog.Logger

	ResetTTL time.Duration
	// AllowedRedirectHosts restricts reset links when non-empty.
	AllowedRedirectHosts []string
}

func NewService(store Store, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("token signer is required")
	}
	if cfg.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = NewBcryptHasher(DefaultBcryptCost)
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = DefaultResetTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	hosts := make(map[string]bool, len(cfg.AllowedRedirectHosts))
	for _, h := range cfg.AllowedRedirectHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = true
		}
	}

	return &Service{
		store:        store,
		hasher:       cfg.Hasher,
		signer:       cfg.Signer,
		notifier:     cfg.Notifier,
		external:     cfg.External,
		log:          cfg.Logger,
		resetTTL:     cfg.ResetTTL,
		allowedHosts: hosts,
		nowFunc:      time.Now,
	}, nil
}

// Authenticate checks email and password and issues a session token. Unknown
// emails and wrong passwords are indistinguishable; inactive accounts are
// reported as ErrAccountInactive.
func (s *Service) Authenticate(ctx context.Context, email, password string) (LoginResult, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	a, err := s.store.FindAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("find account: %w", err)
	}
	if !a.Active() {
		return LoginResult{}, ErrAccountInactive
	}
	if !s.hasher.Verify(password, a.PasswordHash) {
		return LoginResult{}, ErrInvalidCredentials
	}
	return s.issue(ctx, a)
}

// LoginWithSSO exchanges a verified external identity for a local session.
// Only existing accounts can sign in this way.
func (s *Service) LoginWithSSO(ctx context.Context, cred SSOCredential) (LoginResult, error) {
	if s.external == nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	ext, err := s.external.VerifyExternal(ctx, cred)
	if err != nil {
		return LoginResult{}, newError(KindInvalidCredentials, "sso verification failed", err)
	}
	if ext.Email == "" || !ext.EmailVerified {
		return LoginResult{}, ErrInvalidCredentials
	}
	a, err := s.store.FindAccountByEmail(ctx, ext.Email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("find account: %w", err)
	}
	if !a.Active() {
		return LoginResult{}, ErrAccountInactive
	}
	return s.issue(ctx, a)
}

func (s *Service) issue(ctx context.Context, a Account) (LoginResult, error) {
	roles, err := s.store.AccountRoles(ctx, a.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("load roles: %w", err)
	}
	identity := newIdentity(a, roles)
	token, expiresAt, err := s.signer.Sign(identity)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: expiresAt, User: identity}, nil
}

// CurrentIdentity re-reads the account so status changes made after token
// issuance take effect.
func (s *Service) CurrentIdentity(ctx context.Context, accountID int64) (Identity, error) {
	a, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("find account: %w", err)
	}
	if !a.Active() {
		return Identity{}, ErrAccountInactive
	}
	roles, err := s.store.AccountRoles(ctx, a.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("load roles: %w", err)
	}
	return newIdentity(a, roles), nil
}

// Identify verifies a bearer token and returns the fresh identity behind it.
// A valid token for a missing or inactive account yields ErrAccountInactive.
func (s *Service) Identify(ctx context.Context, rawToken string) (Identity, error) {
	claims, err := s.signer.Verify(rawToken)
	if err != nil {
		return Identity{}, err
	}
	id, err := claims.AccountID()
	if err != nil {
		return Identity{}, err
	}
	identity, err := s.CurrentIdentity(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identity{}, ErrAccountInactive
		}
		return Identity{}, err
	}
	return identity, nil
}

// VerifyToken reports whether rawToken is currently usable. It never fails;
// any problem yields ok=false.
func (s *Service) VerifyToken(ctx context.Context, rawToken string) (Identity, bool) {
	identity, err := s.Identify(ctx, rawToken)
	if err != nil {
		return Identity{}, false
	}
	return identity, true
}

// ChangePassword replaces the password of an authenticated account. Issued
// tokens stay valid until they expire.
func (s *Service) ChangePassword(ctx context.Context, accountID int64, currentPassword, newPassword string) error {
	a, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("find account: %w", err)
	}
	if !s.hasher.Verify(currentPassword, a.PasswordHash) {
		return ErrPasswordMismatch
	}
	if s.hasher.Verify(newPassword, a.PasswordHash) {
		return ErrSamePassword
	}
	if err := validatePasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, a.ID, hash, s.nowFunc().UTC()); err != nil {
		return fmt.Errorf("store password: %w", err)
	}
	s.notifyPasswordChanged(ctx, a)
	return nil
}

const maxNameLength = 255

func (s *Service) UpdateProfile(ctx context.Context, accountID int64, name string, metadata map[string]any) (Identity, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return Identity{}, invalidInput("name must be between 1 and 255 characters")
	}
	a, err := s.store.UpdateProfile(ctx, accountID, name, metadata, s.nowFunc().UTC())
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Identity{}, ErrNotFound
		}
		return Identity{}, fmt.Errorf("update profile: %w", err)
	}
	roles, err := s.store.AccountRoles(ctx, a.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("load roles: %w", err)
	}
	return newIdentity(a, roles), nil
}

func (s *Service) notifyPasswordChanged(ctx context.Context, a Account) {
	if err := s.notifier.SendPasswordChanged(ctx, a.Email, a.Name); err != nil {
		s.log.Warn("password change notification failed", "account_id", a.ID, "error", err)
	}
}
