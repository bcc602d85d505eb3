package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ListQuery selects and orders a user's message placements.
type ListQuery struct {
	UserID   int64
	FolderID *int64
	Text     string // case-insensitive substring over subject/body/from
	Flag     string // one of the Flag* constants, "" for any
	FlagSet  bool   // true: flag must be set; false: flag must be absent
	From     string
	To       string
	Since    *time.Time
	Before   *time.Time
	MinSize  *int64
	MaxSize  *int64
	SortBy   string // "date", "subject", "sender", "size"
	SortDesc bool
	Skip     int
	Take     int
}

// ListUserMessages returns one page of placements matching q, message
// content preloaded, plus the total match count.
func (s *Store) ListUserMessages(ctx context.Context, q ListQuery) ([]UserMessage, int64, error) {
	base := s.listScope(ctx, q)

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, mapErr(err)
	}

	var order string
	switch q.SortBy {
	case "subject":
		order = "messages.subject"
	case "sender":
		order = "messages.from_addr"
	case "size":
		order = "messages.message_size"
	default:
		order = "COALESCE(messages.sent_date, messages.received_at)"
	}
	if q.SortDesc {
		order += " DESC"
	}

	var items []UserMessage
	err := s.listScope(ctx, q).
		Preload("Message").
		Order(order).
		Offset(q.Skip).
		Limit(q.Take).
		Find(&items).Error
	if err != nil {
		return nil, 0, mapErr(err)
	}
	return items, total, nil
}

func (s *Store) listScope(ctx context.Context, q ListQuery) *gorm.DB {
	db := s.db.WithContext(ctx).Model(&UserMessage{}).
		Joins("JOIN messages ON messages.id = user_messages.message_id").
		Where("user_messages.user_id = ?", q.UserID)

	if q.FolderID != nil {
		db = db.Where("user_messages.folder_id = ?", *q.FolderID)
	}
	if q.Text != "" {
		pat := "%" + escapeLike(q.Text) + "%"
		db = db.Where(
			"messages.subject LIKE ? ESCAPE '\\' COLLATE NOCASE OR messages.body LIKE ? ESCAPE '\\' COLLATE NOCASE OR messages.from_addr LIKE ? ESCAPE '\\' COLLATE NOCASE",
			pat, pat, pat)
	}
	if q.Flag != "" {
		sub := "SELECT 1 FROM message_flags WHERE message_flags.message_id = user_messages.message_id" +
			" AND message_flags.user_id = user_messages.user_id AND message_flags.flag_name = ? AND message_flags.is_set"
		if q.FlagSet {
			db = db.Where("EXISTS ("+sub+")", q.Flag)
		} else {
			db = db.Where("NOT EXISTS ("+sub+")", q.Flag)
		}
	}
	if q.From != "" {
		db = db.Where("messages.from_addr LIKE ? ESCAPE '\\' COLLATE NOCASE", "%"+escapeLike(q.From)+"%")
	}
	if q.To != "" {
		db = db.Where("messages.to_addr LIKE ? ESCAPE '\\' COLLATE NOCASE", "%"+escapeLike(q.To)+"%")
	}
	if q.Since != nil {
		db = db.Where("messages.received_at >= ?", *q.Since)
	}
	if q.Before != nil {
		db = db.Where("messages.received_at < ?", *q.Before)
	}
	if q.MinSize != nil {
		db = db.Where("messages.message_size >= ?", *q.MinSize)
	}
	if q.MaxSize != nil {
		db = db.Where("messages.message_size <= ?", *q.MaxSize)
	}
	return db
}

// CreateMessage persists a new message body.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	return mapErr(s.db.WithContext(ctx).Create(m).Error)
}

// MessageByID finds a message by id.
func (s *Store) MessageByID(ctx context.Context, id int64) (*Message, error) {
	var m Message
	err := s.db.WithContext(ctx).First(&m, id).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

// UpdateMessage saves all fields of m. Content edits are gated by the
// \Draft flag at the service layer.
func (s *Store) UpdateMessage(ctx context.Context, m *Message) error {
	return mapErr(s.db.WithContext(ctx).Save(m).Error)
}

// CreateUserMessage persists one placement. Duplicate (folder, uid)
// surfaces as ErrUniqueViolation.
func (s *Store) CreateUserMessage(ctx context.Context, um *UserMessage) error {
	return mapErr(s.db.WithContext(ctx).Omit("Message").Create(um).Error)
}

// UserMessageFor finds the placement of a message for one user, message
// content preloaded.
func (s *Store) UserMessageFor(ctx context.Context, userID, messageID int64) (*UserMessage, error) {
	var um UserMessage
	err := s.db.WithContext(ctx).
		Preload("Message").
		Where("user_id = ? AND message_id = ?", userID, messageID).
		First(&um).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return &um, nil
}

// UserMessagesInFolder returns all placements in a folder ordered by UID,
// message content preloaded. The position in the returned slice plus one is
// the IMAP sequence number.
func (s *Store) UserMessagesInFolder(ctx context.Context, folderID int64) ([]UserMessage, error) {
	var out []UserMessage
	err := s.db.WithContext(ctx).
		Preload("Message").
		Where("folder_id = ?", folderID).
		Order("uid").
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// UpdateUserMessage saves all fields of um.
func (s *Store) UpdateUserMessage(ctx context.Context, um *UserMessage) error {
	return mapErr(s.db.WithContext(ctx).Omit("Message").Save(um).Error)
}

// DeleteUserMessage removes one placement row.
func (s *Store) DeleteUserMessage(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Delete(&UserMessage{}, id)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
