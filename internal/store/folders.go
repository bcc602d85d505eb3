package store

import (
	"context"
)

// CreateFolder persists a new folder. Duplicate (user, name) surfaces as
// ErrUniqueViolation.
func (s *Store) CreateFolder(ctx context.Context, f *Folder) error {
	return mapErr(s.db.WithContext(ctx).Create(f).Error)
}

// FolderByID finds a folder by id.
func (s *Store) FolderByID(ctx context.Context, id int64) (*Folder, error) {
	var f Folder
	err := s.db.WithContext(ctx).First(&f, id).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &f, nil
}

// FolderByName finds a user's folder by its full hierarchical name.
func (s *Store) FolderByName(ctx context.Context, userID int64, name string) (*Folder, error) {
	var f Folder
	err := s.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, name).First(&f).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &f, nil
}

// SystemFolder finds a user's folder by system type.
func (s *Store) SystemFolder(ctx context.Context, userID int64, systemType string) (*Folder, error) {
	var f Folder
	err := s.db.WithContext(ctx).Where("user_id = ? AND system_type = ?", userID, systemType).First(&f).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &f, nil
}

// FoldersByUser returns all of a user's folders, system folders first, then
// alphabetical by name.
func (s *Store) FoldersByUser(ctx context.Context, userID int64) ([]Folder, error) {
	var out []Folder
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("CASE WHEN system_type = '' THEN 1 ELSE 0 END, name").
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// FoldersByPrefix returns the user's folders whose name starts with prefix,
// ordered by name. Used for hierarchical rename and delete.
func (s *Store) FoldersByPrefix(ctx context.Context, userID int64, prefix string) ([]Folder, error) {
	var out []Folder
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND name LIKE ? ESCAPE '\\'", userID, escapeLike(prefix)+"%").
		Order("name").
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// UpdateFolder saves all fields of f.
func (s *Store) UpdateFolder(ctx context.Context, f *Folder) error {
	return mapErr(s.db.WithContext(ctx).Save(f).Error)
}

// DeleteFolder removes a folder row. Callers check for referencing
// placements first.
func (s *Store) DeleteFolder(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&Folder{}, id)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AllocateUID reads and advances the folder's uid_next, returning the
// allocated UID. Must run inside WithTx: the transaction plus the unique
// index on (folder_id, uid) keep concurrent allocations strictly increasing
// and unique.
func (s *Store) AllocateUID(ctx context.Context, folderID int64) (int64, error) {
	var f Folder
	if err := s.db.WithContext(ctx).First(&f, folderID).Error; err != nil {
		return 0, mapErr(err)
	}

	uid := f.UIDNext
	err := s.db.WithContext(ctx).Model(&Folder{}).
		Where("id = ?", folderID).
		Update("uid_next", uid+1).Error
	if err != nil {
		return 0, mapErr(err)
	}
	return uid, nil
}

// CountMessagesInFolders returns the number of UserMessage rows placed in
// any of the given folders.
func (s *Store) CountMessagesInFolders(ctx context.Context, folderIDs []int64) (int64, error) {
	if len(folderIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&UserMessage{}).
		Where("folder_id IN ?", folderIDs).
		Count(&n).Error
	if err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

// escapeLike neutralizes LIKE metacharacters in a literal prefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
