package store

import (
	"context"
	"time"
)

// SetFlag upserts one flag row for a (message, user) pair.
func (s *Store) SetFlag(ctx context.Context, messageID, userID int64, name string, isSet bool, now time.Time) error {
	var f MessageFlag
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND flag_name = ?", messageID, userID, name).
		First(&f).Error
	if err != nil {
		if mapErr(err) != ErrNotFound {
			return mapErr(err)
		}
		f = MessageFlag{
			MessageID:  messageID,
			UserID:     userID,
			FlagName:   name,
			IsSet:      isSet,
			ModifiedAt: now,
		}
		return mapErr(s.db.WithContext(ctx).Create(&f).Error)
	}

	if f.IsSet == isSet {
		return nil
	}
	f.IsSet = isSet
	f.ModifiedAt = now
	return mapErr(s.db.WithContext(ctx).Save(&f).Error)
}

// FlagsFor returns the set flags of a message for one user. Rows with
// is_set=false are omitted.
func (s *Store) FlagsFor(ctx context.Context, messageID, userID int64) ([]MessageFlag, error) {
	var out []MessageFlag
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND is_set", messageID, userID).
		Order("flag_name").
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// HasFlag reports whether the given flag is set for a (message, user) pair.
func (s *Store) HasFlag(ctx context.Context, messageID, userID int64, name string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&MessageFlag{}).
		Where("message_id = ? AND user_id = ? AND flag_name = ? AND is_set", messageID, userID, name).
		Count(&n).Error
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

// FlagsForMany returns the set flags for each of the given messages for one
// user, keyed by message id. Used by list projections to avoid per-row
// queries.
func (s *Store) FlagsForMany(ctx context.Context, messageIDs []int64, userID int64) (map[int64][]MessageFlag, error) {
	out := make(map[int64][]MessageFlag, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var rows []MessageFlag
	err := s.db.WithContext(ctx).
		Where("message_id IN ? AND user_id = ? AND is_set", messageIDs, userID).
		Order("flag_name").
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	for _, r := range rows {
		out[r.MessageID] = append(out[r.MessageID], r)
	}
	return out, nil
}
