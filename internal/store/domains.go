package store

import (
	"context"
	"fmt"
	"strings"
)

// CreateDomain persists a new domain. Name is lowercased.
func (s *Store) CreateDomain(ctx context.Context, d *Domain) error {
	d.Name = strings.ToLower(d.Name)
	return mapErr(s.db.WithContext(ctx).Create(d).Error)
}

// DomainByName finds a domain by its lowercased name.
func (s *Store) DomainByName(ctx context.Context, name string) (*Domain, error) {
	var d Domain
	err := s.db.WithContext(ctx).Where("name = ?", strings.ToLower(name)).First(&d).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

// DomainByID finds a domain by id.
func (s *Store) DomainByID(ctx context.Context, id int64) (*Domain, error) {
	var d Domain
	err := s.db.WithContext(ctx).First(&d, id).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &d, nil
}

// ListDomains returns all domains ordered by name.
func (s *Store) ListDomains(ctx context.Context) ([]Domain, error) {
	var out []Domain
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// UpdateDomain saves all fields of d.
func (s *Store) UpdateDomain(ctx context.Context, d *Domain) error {
	return mapErr(s.db.WithContext(ctx).Save(d).Error)
}

// DeleteDomain removes a domain. It fails if any user still belongs to it.
func (s *Store) DeleteDomain(ctx context.Context, id int64) error {
	var users int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("domain_id = ?", id).Count(&users).Error; err != nil {
		return mapErr(err)
	}
	if users > 0 {
		return fmt.Errorf("domain %d has %d users", id, users)
	}
	res := s.db.WithContext(ctx).Delete(&Domain{}, id)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// NextUIDValidity advances the domain's UIDVALIDITY sequence and returns the
// new value. The seed is current Unix-seconds masked to 31 bits; subsequent
// values are strictly increasing even when minted within the same second.
// Must be called inside WithTx when folder creation depends on the result.
func (s *Store) NextUIDValidity(ctx context.Context, domainID, nowUnix int64) (int64, error) {
	seed := nowUnix & 0x7FFFFFFF

	var seq UIDValiditySequence
	err := s.db.WithContext(ctx).Where("domain_id = ?", domainID).First(&seq).Error
	if err != nil {
		if mapErr(err) != ErrNotFound {
			return 0, mapErr(err)
		}
		seq = UIDValiditySequence{DomainID: domainID, Value: seed}
		if err := s.db.WithContext(ctx).Create(&seq).Error; err != nil {
			return 0, mapErr(err)
		}
		return seq.Value, nil
	}

	next := seed
	if next <= seq.Value {
		next = seq.Value + 1
	}
	seq.Value = next
	if err := s.db.WithContext(ctx).Save(&seq).Error; err != nil {
		return 0, mapErr(err)
	}
	return next, nil
}
