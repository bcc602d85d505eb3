package store

import "context"

// CreateDkimKey persists a new signing key and deactivates all prior keys
// for the same domain. Must run inside WithTx.
func (s *Store) CreateDkimKey(ctx context.Context, k *DkimKey) error {
	err := s.db.WithContext(ctx).Model(&DkimKey{}).
		Where("domain_id = ? AND is_active", k.DomainID).
		Update("is_active", false).Error
	if err != nil {
		return mapErr(err)
	}
	k.IsActive = true
	return mapErr(s.db.WithContext(ctx).Create(k).Error)
}

// ActiveDkimKey returns the currently active key for a domain.
func (s *Store) ActiveDkimKey(ctx context.Context, domainID int64) (*DkimKey, error) {
	var k DkimKey
	err := s.db.WithContext(ctx).
		Where("domain_id = ? AND is_active", domainID).
		First(&k).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &k, nil
}

// ListDkimKeys returns all keys for a domain, newest first.
func (s *Store) ListDkimKeys(ctx context.Context, domainID int64) ([]DkimKey, error) {
	var out []DkimKey
	err := s.db.WithContext(ctx).
		Where("domain_id = ?", domainID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}
