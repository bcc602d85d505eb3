package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/store"
)

const (
	// AccessTokenLifetime is the default validity of an access token.
	AccessTokenLifetime = 8 * time.Hour
	// RememberMeLifetime is the validity when the client asks to stay
	// signed in.
	RememberMeLifetime = 30 * 24 * time.Hour
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload for an authenticated user.
type Claims struct {
	Email      string `json:"email"`
	Role       string `json:"role"`
	DomainID   int64  `json:"domain_id"`
	CanReceive bool   `json:"can_receive"`
	CanLogin   bool   `json:"can_login"`
	FullName   string `json:"full_name,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies access tokens with HMAC-SHA256.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	clock    clock.Clock
}

// NewTokenIssuer creates a TokenIssuer. The secret must be non-empty.
func NewTokenIssuer(secret, issuer, audience string, clk clock.Clock) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &TokenIssuer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		clock:    clk,
	}, nil
}

// Issue signs an access token for the user. rememberMe extends the lifetime
// from 8 hours to 30 days.
func (t *TokenIssuer) Issue(user *store.User, rememberMe bool) (string, error) {
	lifetime := AccessTokenLifetime
	if rememberMe {
		lifetime = RememberMeLifetime
	}
	now := t.clock.Now()

	claims := Claims{
		Email:      user.Email(),
		Role:       string(user.Role),
		DomainID:   user.DomainID,
		CanReceive: user.CanReceive,
		CanLogin:   user.CanLogin,
		FullName:   user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{t.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithTimeFunc(t.clock.Now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// UserID returns the numeric subject of the claims.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return id, nil
}
