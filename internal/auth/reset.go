package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const resetTokenBytes = 32

// RequestReset issues a single-use reset token for email and mails a link
// built from redirectURL with the token in its "token" query parameter. The
// token is persisted before the email is sent, so ErrEmailSendFailed leaves a
// redeemable token behind. Earlier tokens for the account stay valid.
func (s *Service) RequestReset(ctx context.Context, email, redirectURL string) error {
	base, err := s.parseRedirect(redirectURL)
	if err != nil {
		return err
	}

	a, err := s.store.FindAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrEmailNotFound
		}
		return fmt.Errorf("find account: %w", err)
	}
	if !a.Active() {
		return ErrAccountInactive
	}

	raw, err := generateToken(resetTokenBytes)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}
	now := s.nowFunc().UTC()
	t, err := s.store.CreateResetToken(ctx, ResetToken{
		AccountID: a.ID,
		TokenHash: hashToken(raw),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("store reset token: %w", err)
	}

	link := *base
	q := link.Query()
	q.Set("token", raw)
	link.RawQuery = q.Encode()

	if err := s.notifier.SendPasswordReset(ctx, a.Email, a.Name, link.String(), t.ExpiresAt); err != nil {
		s.log.Error("password reset email failed", "account_id", a.ID, "reset_token_id", t.ID, "error", err)
		return newError(KindEmailSendFailed, "failed to send password reset email", err)
	}
	return nil
}

// RedeemReset sets a new password using a reset token. The token is consumed
// only by a successful redemption; expired tokens stay unused.
func (s *Service) RedeemReset(ctx context.Context, rawToken, newPassword string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrInvalidToken
	}
	t, err := s.store.FindUnusedResetToken(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, ErrResetTokenNotFound) {
			return ErrInvalidToken
		}
		return fmt.Errorf("find reset token: %w", err)
	}
	now := s.nowFunc().UTC()
	if now.After(t.ExpiresAt) {
		return ErrTokenExpired
	}

	a, err := s.store.FindAccountByID(ctx, t.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("find account: %w", err)
	}
	if !a.Active() {
		return ErrAccountInactive
	}
	if s.hasher.Verify(newPassword, a.PasswordHash) {
		// A concurrent redemption may have just set this password.
		if _, err := s.store.FindUnusedResetToken(ctx, t.TokenHash); err != nil {
			if errors.Is(err, ErrResetTokenNotFound) {
				return ErrInvalidToken
			}
			return fmt.Errorf("recheck reset token: %w", err)
		}
		return ErrSamePassword
	}
	if err := validatePasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.store.RedeemResetToken(ctx, t.ID, a.ID, hash, now); err != nil {
		switch {
		case errors.Is(err, ErrInvalidToken):
			return ErrInvalidToken
		case errors.Is(err, ErrAccountNotFound):
			return ErrNotFound
		}
		return fmt.Errorf("redeem reset token: %w", err)
	}

	s.notifyPasswordChanged(ctx, a)
	return nil
}

// PurgeResetTokens removes used reset tokens and tokens past their expiry.
func (s *Service) PurgeResetTokens(ctx context.Context) (int64, error) {
	n, err := s.store.PurgeResetTokens(ctx, s.nowFunc().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("purged reset tokens", "count", n)
	}
	return n, nil
}

func (s *Service) parseRedirect(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidRedirect
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrInvalidRedirect
	}
	if len(s.allowedHosts) > 0 && !s.allowedHosts[strings.ToLower(u.Hostname())] {
		return nil, ErrInvalidRedirect
	}
	return u, nil
}

func generateToken(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("token length too short")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
