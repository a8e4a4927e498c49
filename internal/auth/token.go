package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the fixed lifetime of an issued session token.
const TokenTTL = 7 * 24 * time.Hour

const minSecretLength = 32

type ClaimRole struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

type Claims struct {
	Email string      `json:"email"`
	Name  string      `json:"name"`
	Roles []ClaimRole `json:"roles"`
	jwt.RegisteredClaims
}

// AccountID parses the subject claim.
func (c *Claims) AccountID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// TokenSigner signs and verifies HS256 session tokens.
type TokenSigner struct {
	secret  []byte
	issuer  string
	nowFunc func() time.Time
}

func NewTokenSigner(secret, issuer string) (*TokenSigner, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLength)
	}
	return &TokenSigner{
		secret:  []byte(secret),
		issuer:  issuer,
		nowFunc: time.Now,
	}, nil
}

// Sign issues a token for identity. The expiry is always issued-at + TokenTTL.
func (s *TokenSigner) Sign(identity Identity) (string, time.Time, error) {
	now := s.nowFunc().UTC().Truncate(time.Second)
	expiresAt := now.Add(TokenTTL)

	roles := make([]ClaimRole, 0, len(identity.Roles))
	for _, r := range identity.Roles {
		roles = append(roles, ClaimRole{ID: r.ID, Name: r.Name, Code: r.Code})
	}
	claims := Claims{
		Email: identity.Email,
		Name:  identity.Name,
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, expiry and subject. Every failure is
// reported as ErrInvalidToken.
func (s *TokenSigner) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.nowFunc),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, newError(KindInvalidToken, "token expired", err)
		}
		return nil, newError(KindInvalidToken, "invalid token", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.AccountID(); err != nil {
		return nil, err
	}
	return claims, nil
}
