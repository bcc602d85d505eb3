package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/store"
)

// ErrInvalidCredentials is the uniform failure for every authentication
// problem: unknown user, wrong password, disabled account, active lockout.
// The cause is never distinguished to the client.
var ErrInvalidCredentials = errors.New("invalid credentials")

// LockoutPolicy configures the failed-login state machine.
type LockoutPolicy struct {
	Enabled     bool
	MaxAttempts int
	LockoutFor  time.Duration
	ResetWindow time.Duration
}

// DefaultLockoutPolicy matches the documented defaults: five attempts,
// fifteen-minute lockout, sixty-minute reset window.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{
		Enabled:     true,
		MaxAttempts: 5,
		LockoutFor:  15 * time.Minute,
		ResetWindow: 60 * time.Minute,
	}
}

// Authenticator verifies credentials against the store, maintaining the
// per-user lockout counters transactionally.
type Authenticator struct {
	router *store.Router
	policy LockoutPolicy
	clock  clock.Clock
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(router *store.Router, policy LockoutPolicy, clk clock.Clock, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		router: router,
		policy: policy,
		clock:  clk,
		logger: logger,
	}
}

// Authenticate resolves email to a user and verifies the password, running
// the lockout state machine. All lockout field updates happen in a single
// transaction. Every failure path returns ErrInvalidCredentials.
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	st, err := a.router.ForEmail(email)
	if err != nil {
		a.logger.Error("resolving tenant store", "email", email, "error", err.Error())
		return nil, ErrInvalidCredentials
	}

	var authed *store.User
	err = st.WithTx(ctx, func(tx *store.Store) error {
		user, err := tx.UserByEmail(ctx, email)
		if err != nil {
			return ErrInvalidCredentials
		}
		if !user.CanLogin {
			return ErrInvalidCredentials
		}

		now := a.clock.Now()

		if a.policy.Enabled && user.LockoutEnd != nil {
			if user.LockoutEnd.After(now) {
				return ErrInvalidCredentials
			}
			// Expired lockout: clear before verifying.
			user.LockoutEnd = nil
			user.FailedLoginAttempts = 0
		}

		if !VerifyPassword(password, user.PasswordHash, user.PasswordSalt) {
			if a.policy.Enabled {
				if user.LastFailedLogin != nil && now.Sub(*user.LastFailedLogin) > a.policy.ResetWindow {
					user.FailedLoginAttempts = 0
				}
				user.FailedLoginAttempts++
				user.LastFailedLogin = &now
				if user.FailedLoginAttempts >= a.policy.MaxAttempts {
					end := now.Add(a.policy.LockoutFor)
					user.LockoutEnd = &end
				}
				if err := tx.UpdateUser(ctx, user); err != nil {
					return err
				}
			}
			return ErrInvalidCredentials
		}

		user.FailedLoginAttempts = 0
		user.LockoutEnd = nil
		user.LastFailedLogin = nil
		user.LastLogin = &now
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		authed = user
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			a.logger.Error("authentication transaction failed", "email", email, "error", err.Error())
			err = ErrInvalidCredentials
		}
		return nil, err
	}
	return authed, nil
}
