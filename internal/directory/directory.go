// Package directory maps addresses to users and owns the user lifecycle:
// creation with the default folder set, updates, password changes, and
// catch-all recipient resolution.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/Hafthor/frimerki/internal/auth"
	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/folder"
	"github.com/Hafthor/frimerki/internal/store"
)

var (
	// ErrInvalidUsername is returned for usernames outside [a-zA-Z0-9._-]+.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrPasswordTooShort is returned for passwords under eight characters.
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")

	// ErrDomainNotFound is returned when the requested domain is unknown.
	ErrDomainNotFound = errors.New("domain not found")

	// ErrUserExists is returned when (username, domain) is already taken.
	ErrUserExists = errors.New("user already exists")
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Directory resolves addresses to users and manages accounts.
type Directory struct {
	router *store.Router
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Directory.
func New(router *store.Router, clk clock.Clock, logger *slog.Logger) *Directory {
	return &Directory{router: router, clock: clk, logger: logger}
}

// CreateUserRequest describes a new account.
type CreateUserRequest struct {
	Username   string
	DomainName string
	Password   string
	FullName   string
	Role       store.Role
	CanReceive bool
	CanLogin   bool
}

// CreateUser validates the request, persists the user, and creates the six
// default system folders in the same transaction.
func (d *Directory) CreateUser(ctx context.Context, req CreateUserRequest) (*store.User, error) {
	if !usernamePattern.MatchString(req.Username) {
		return nil, ErrInvalidUsername
	}
	if len(req.Password) < 8 {
		return nil, ErrPasswordTooShort
	}

	st, err := d.router.ForDomain(req.DomainName)
	if err != nil {
		return nil, err
	}

	salt, err := auth.NewSalt()
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(req.Password, salt)
	if err != nil {
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = store.RoleUser
	}

	var created *store.User
	err = st.WithTx(ctx, func(tx *store.Store) error {
		domain, err := tx.DomainByName(ctx, req.DomainName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrDomainNotFound
			}
			return err
		}

		now := d.clock.Now()
		user := &store.User{
			Username:     req.Username,
			DomainID:     domain.ID,
			Domain:       domain,
			PasswordHash: hash,
			PasswordSalt: salt,
			FullName:     req.FullName,
			Role:         role,
			CanReceive:   req.CanReceive,
			CanLogin:     req.CanLogin,
			CreatedAt:    now,
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				return ErrUserExists
			}
			return err
		}

		if err := folder.CreateDefaults(ctx, tx, user, now); err != nil {
			return err
		}
		created = user
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Info("user created", "email", created.Email())
	return created, nil
}

// GetUserByEmail resolves "local@domain" to a user, or store.ErrNotFound.
func (d *Directory) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	st, err := d.router.ForEmail(email)
	if err != nil {
		return nil, err
	}
	return st.UserByEmail(ctx, email)
}

// GetUserByID finds a user by id in the shared store.
func (d *Directory) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	return d.router.Shared().UserByID(ctx, id)
}

// ResolveRecipient finds the user who should receive mail for the address:
// the exact user if present, otherwise the domain's catch-all user.
func (d *Directory) ResolveRecipient(ctx context.Context, email string) (*store.User, error) {
	st, err := d.router.ForEmail(email)
	if err != nil {
		return nil, err
	}

	user, err := st.UserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	_, domainName, ok := strings.Cut(email, "@")
	if !ok {
		return nil, store.ErrNotFound
	}
	domain, err := st.DomainByName(ctx, domainName)
	if err != nil {
		return nil, err
	}
	if !domain.IsActive || domain.CatchAllUserID == nil {
		return nil, store.ErrNotFound
	}
	return st.UserByID(ctx, *domain.CatchAllUserID)
}

// UpdateUser saves the mutable profile fields of u.
func (d *Directory) UpdateUser(ctx context.Context, u *store.User) error {
	st, err := d.storeFor(u)
	if err != nil {
		return err
	}
	return st.UpdateUser(ctx, u)
}

// DeleteUser removes a user and everything that hangs off it.
func (d *Directory) DeleteUser(ctx context.Context, u *store.User) error {
	st, err := d.storeFor(u)
	if err != nil {
		return err
	}
	return st.WithTx(ctx, func(tx *store.Store) error {
		return tx.DeleteUser(ctx, u.ID)
	})
}

// UpdatePassword sets a new password and resets the lockout counters.
func (d *Directory) UpdatePassword(ctx context.Context, u *store.User, newPassword string) error {
	if len(newPassword) < 8 {
		return ErrPasswordTooShort
	}
	st, err := d.storeFor(u)
	if err != nil {
		return err
	}

	salt, err := auth.NewSalt()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword, salt)
	if err != nil {
		return err
	}

	return st.WithTx(ctx, func(tx *store.Store) error {
		user, err := tx.UserByID(ctx, u.ID)
		if err != nil {
			return err
		}
		user.PasswordHash = hash
		user.PasswordSalt = salt
		user.FailedLoginAttempts = 0
		user.LockoutEnd = nil
		user.LastFailedLogin = nil
		return tx.UpdateUser(ctx, user)
	})
}

// SetCatchAll points the domain's catch-all at the given user, who must
// belong to that domain. A nil userID clears the catch-all.
func (d *Directory) SetCatchAll(ctx context.Context, domainName string, userID *int64) error {
	st, err := d.router.ForDomain(domainName)
	if err != nil {
		return err
	}
	return st.WithTx(ctx, func(tx *store.Store) error {
		domain, err := tx.DomainByName(ctx, domainName)
		if err != nil {
			return err
		}
		if userID != nil {
			user, err := tx.UserByID(ctx, *userID)
			if err != nil {
				return err
			}
			if user.DomainID != domain.ID {
				return fmt.Errorf("catch-all user %d does not belong to domain %s", *userID, domain.Name)
			}
		}
		domain.CatchAllUserID = userID
		return tx.UpdateDomain(ctx, domain)
	})
}

func (d *Directory) storeFor(u *store.User) (*store.Store, error) {
	if u.Domain != nil {
		return d.router.ForDomain(u.Domain.Name)
	}
	return d.router.Shared(), nil
}
