package store

import (
	"context"
	"strings"
)

// CreateUser persists a new user. Uniqueness of (username, domain_id) is
// enforced by the schema and surfaced as ErrUniqueViolation.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.Username = strings.ToLower(u.Username)
	return mapErr(s.db.WithContext(ctx).Create(u).Error)
}

// UserByID finds a user by id with its domain loaded.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Preload("Domain").First(&u, id).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// UserByEmail resolves "local@domain" to a user, domain loaded. The lookup
// is case-insensitive on both parts.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	local, domain, ok := strings.Cut(strings.ToLower(email), "@")
	if !ok || local == "" || domain == "" {
		return nil, ErrNotFound
	}

	var u User
	err := s.db.WithContext(ctx).
		Preload("Domain").
		Joins("JOIN domains ON domains.id = users.domain_id").
		Where("users.username = ? AND domains.name = ?", local, domain).
		First(&u).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// UserByName finds a user by its natural key.
func (s *Store) UserByName(ctx context.Context, username string, domainID int64) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).
		Preload("Domain").
		Where("username = ? AND domain_id = ?", strings.ToLower(username), domainID).
		First(&u).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// ListUsersByDomain returns the users of a domain ordered by username.
func (s *Store) ListUsersByDomain(ctx context.Context, domainID int64) ([]User, error) {
	var out []User
	err := s.db.WithContext(ctx).Where("domain_id = ?", domainID).Order("username").Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// UpdateUser saves all fields of u.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	return mapErr(s.db.WithContext(ctx).Omit("Domain").Save(u).Error)
}

// DeleteUser removes a user and all rows that hang off it: flags, message
// placements, and folders. Shared Message rows are left in place; orphans
// are reaped separately.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	db := s.db.WithContext(ctx)

	if err := db.Where("user_id = ?", id).Delete(&MessageFlag{}).Error; err != nil {
		return mapErr(err)
	}
	if err := db.Where("user_id = ?", id).Delete(&UserMessage{}).Error; err != nil {
		return mapErr(err)
	}
	if err := db.Where("user_id = ?", id).Delete(&Folder{}).Error; err != nil {
		return mapErr(err)
	}

	res := db.Delete(&User{}, id)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
