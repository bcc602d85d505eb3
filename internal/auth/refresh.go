package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Hafthor/frimerki/internal/clock"
)

// RefreshTokenLifetime is how long a refresh token stays redeemable.
const RefreshTokenLifetime = 30 * 24 * time.Hour

// ErrRefreshTokenInvalid is returned when a refresh token is unknown,
// already used, or expired.
var ErrRefreshTokenInvalid = errors.New("refresh token invalid")

// RefreshToken records one outstanding refresh token.
type RefreshToken struct {
	UserID    int64
	Email     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshRegistry tracks outstanding refresh tokens. Tokens are single-use:
// Redeem consumes the presented token and mints a replacement.
type RefreshRegistry interface {
	Issue(userID int64, email string) (string, error)
	Redeem(token string) (*RefreshToken, string, error)
	Revoke(token string)
	RevokeUser(userID int64)
}

// MemoryRefreshRegistry is the in-process RefreshRegistry: a mutex-guarded
// map keyed by token string.
type MemoryRefreshRegistry struct {
	clock clock.Clock

	mu     sync.Mutex
	tokens map[string]RefreshToken
}

// NewMemoryRefreshRegistry creates an empty registry.
func NewMemoryRefreshRegistry(clk clock.Clock) *MemoryRefreshRegistry {
	return &MemoryRefreshRegistry{
		clock:  clk,
		tokens: make(map[string]RefreshToken),
	}
}

// Issue mints a new refresh token for the user.
func (r *MemoryRefreshRegistry) Issue(userID int64, email string) (string, error) {
	token, err := newRefreshToken()
	if err != nil {
		return "", err
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[token] = RefreshToken{
		UserID:    userID,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(RefreshTokenLifetime),
	}
	return token, nil
}

// Redeem consumes the presented token and returns its record plus a fresh
// replacement token. A second redeem of the same token fails.
func (r *MemoryRefreshRegistry) Redeem(token string) (*RefreshToken, string, error) {
	now := r.clock.Now()

	r.mu.Lock()
	rec, ok := r.tokens[token]
	if ok {
		delete(r.tokens, token)
	}
	r.mu.Unlock()

	if !ok || now.After(rec.ExpiresAt) {
		return nil, "", ErrRefreshTokenInvalid
	}

	next, err := r.Issue(rec.UserID, rec.Email)
	if err != nil {
		return nil, "", err
	}
	return &rec, next, nil
}

// Revoke removes one token.
func (r *MemoryRefreshRegistry) Revoke(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, token)
}

// RevokeUser removes every token belonging to the user, as on logout.
func (r *MemoryRefreshRegistry) RevokeUser(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, rec := range r.tokens {
		if rec.UserID == userID {
			delete(r.tokens, tok)
		}
	}
}

// PurgeExpired drops expired entries. Called opportunistically by the owner.
func (r *MemoryRefreshRegistry) PurgeExpired() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for tok, rec := range r.tokens {
		if now.After(rec.ExpiresAt) {
			delete(r.tokens, tok)
		}
	}
}

func newRefreshToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
