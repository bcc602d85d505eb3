package store

import "context"

// CreateAttachment persists one attachment record.
func (s *Store) CreateAttachment(ctx context.Context, a *Attachment) error {
	return mapErr(s.db.WithContext(ctx).Create(a).Error)
}

// AttachmentsByMessage returns all attachments of a message.
func (s *Store) AttachmentsByMessage(ctx context.Context, messageID int64) ([]Attachment, error) {
	var out []Attachment
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// DeleteAttachmentsByMessage removes the attachment rows of a message. The
// blob files are removed by the caller through the blob store.
func (s *Store) DeleteAttachmentsByMessage(ctx context.Context, messageID int64) error {
	return mapErr(s.db.WithContext(ctx).Where("message_id = ?", messageID).Delete(&Attachment{}).Error)
}
