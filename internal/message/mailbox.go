package message

import (
	"context"

	"github.com/Hafthor/frimerki/internal/store"
)

// FolderMessages returns every message placement in the folder ordered by
// UID. The slice position plus one is the IMAP sequence number.
func (s *Service) FolderMessages(ctx context.Context, user *store.User, folderID int64) ([]View, error) {
	st, err := s.storeFor(user)
	if err != nil {
		return nil, err
	}

	f, err := st.FolderByID(ctx, folderID)
	if err != nil {
		return nil, err
	}
	if f.UserID != user.ID {
		return nil, store.ErrNotFound
	}

	items, err := st.UserMessagesInFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}

	messageIDs := make([]int64, 0, len(items))
	for _, um := range items {
		messageIDs = append(messageIDs, um.MessageID)
	}
	flagIndex, err := st.FlagsForMany(ctx, messageIDs, user.ID)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(items))
	for i := range items {
		um := &items[i]
		views = append(views, *buildView(um, f.Name, flagIndex[um.MessageID]))
	}
	return views, nil
}

// Expunge permanently removes every \Deleted placement from the folder and
// updates its counters. Returned UIDs are in ascending order.
func (s *Service) Expunge(ctx context.Context, user *store.User, folderID int64) ([]int64, error) {
	st, err := s.storeFor(user)
	if err != nil {
		return nil, err
	}

	var expunged []int64
	err = st.WithTx(ctx, func(tx *store.Store) error {
		f, err := tx.FolderByID(ctx, folderID)
		if err != nil {
			return err
		}
		if f.UserID != user.ID {
			return store.ErrNotFound
		}

		items, err := tx.UserMessagesInFolder(ctx, folderID)
		if err != nil {
			return err
		}

		removed, removedUnseen := 0, 0
		for i := range items {
			um := &items[i]
			deleted, err := tx.HasFlag(ctx, um.MessageID, user.ID, store.FlagDeleted)
			if err != nil {
				return err
			}
			if !deleted {
				continue
			}
			seen, err := tx.HasFlag(ctx, um.MessageID, user.ID, store.FlagSeen)
			if err != nil {
				return err
			}
			if err := tx.DeleteUserMessage(ctx, um.ID); err != nil {
				return err
			}
			expunged = append(expunged, um.UID)
			removed++
			if !seen {
				removedUnseen++
			}
		}

		if removed == 0 {
			return nil
		}

		f.Exists -= removed
		if f.Exists < 0 {
			f.Exists = 0
		}
		f.Unseen -= removedUnseen
		if f.Unseen < 0 {
			f.Unseen = 0
		}
		return tx.UpdateFolder(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	return expunged, nil
}
