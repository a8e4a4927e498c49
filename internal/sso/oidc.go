// Package sso verifies external OpenID Connect credentials for /auth/sso.
package sso

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"bioadmin/accounts/internal/auth"
)

var ErrMissingCredential = errors.New("id token or authorization code is required")

type Config struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OIDCVerifier accepts either a raw ID token or an authorization code, which
// it exchanges at the provider's token endpoint.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
}

// NewOIDCVerifier runs provider discovery against cfg.IssuerURL.
func NewOIDCVerifier(ctx context.Context, cfg Config) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc issuer and client id are required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
	}
	return newOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}), oauthCfg), nil
}

func newOIDCVerifier(v *oidc.IDTokenVerifier, oauthCfg *oauth2.Config) *OIDCVerifier {
	return &OIDCVerifier{verifier: v, oauth: oauthCfg}
}

type idClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

func (v *OIDCVerifier) VerifyExternal(ctx context.Context, cred auth.SSOCredential) (auth.ExternalIdentity, error) {
	raw := cred.IDToken
	if raw == "" {
		if cred.Code == "" {
			return auth.ExternalIdentity{}, ErrMissingCredential
		}
		token, err := v.oauth.Exchange(ctx, cred.Code)
		if err != nil {
			return auth.ExternalIdentity{}, fmt.Errorf("exchange authorization code: %w", err)
		}
		idToken, ok := token.Extra("id_token").(string)
		if !ok || idToken == "" {
			return auth.ExternalIdentity{}, fmt.Errorf("token response has no id_token")
		}
		raw = idToken
	}

	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		return auth.ExternalIdentity{}, fmt.Errorf("verify id token: %w", err)
	}
	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return auth.ExternalIdentity{}, fmt.Errorf("decode id token claims: %w", err)
	}
	return auth.ExternalIdentity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}
