// Package identity issues and checks anonymous account tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal-backend/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of an account token.
const DefaultTTL = 365 * 24 * time.Hour

// Claims is the token payload
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Denylist remembers revoked token ids until they expire.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	Revoked(ctx context.Context, tokenID string) (bool, error)
}

// Provider signs and validates account tokens
type Provider struct {
	secret  []byte
	ttl     time.Duration
	revoked Denylist
	now     func() time.Time
}

// NewProvider creates a token provider. A zero ttl means DefaultTTL.
func NewProvider(secret string, ttl time.Duration, revoked Denylist) *Provider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		secret:  []byte(secret),
		ttl:     ttl,
		revoked: revoked,
		now:     time.Now,
	}
}

// Issue signs a new token for the account.
func (p *Provider) Issue(userID string) (string, error) {
	now := p.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// CurrentAccount returns the account id of a valid, unrevoked token.
func (p *Provider) CurrentAccount(ctx context.Context, tokenString string) (string, error) {
	claims, err := p.parse(tokenString)
	if err != nil {
		return "", err
	}

	if p.revoked != nil {
		revoked, err := p.revoked.Revoked(ctx, claims.ID)
		if err != nil {
			return "", apperr.Wrap(apperr.KindStoreUnavailable, "failed to check token", err)
		}
		if revoked {
			return "", apperr.New(apperr.KindUnauthorized, "token was signed out")
		}
	}
	return claims.UserID, nil
}

// SignOut revokes the token until its natural expiry.
func (p *Provider) SignOut(ctx context.Context, tokenString string) error {
	claims, err := p.parse(tokenString)
	if err != nil {
		return err
	}
	if p.revoked == nil {
		return nil
	}
	if err := p.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, "failed to revoke token", err)
	}
	return nil
}

func (p *Provider) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Wrap(apperr.KindUnauthorized, "token expired", err)
		}
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid token", err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid token claims")
	}
	return claims, nil
}
