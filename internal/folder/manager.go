// Package folder manages each user's mailbox hierarchy: creation with
// UIDVALIDITY minting, hierarchical rename, guarded delete, and the default
// system folder set.
package folder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/store"
)

var (
	// ErrExists is returned when a folder with the requested name already
	// exists for the user.
	ErrExists = errors.New("folder already exists")

	// ErrParentMissing is returned when a hierarchical name references a
	// parent that does not exist.
	ErrParentMissing = errors.New("parent folder does not exist")

	// ErrSystemFolder is returned for rename or delete of a system folder.
	ErrSystemFolder = errors.New("system folders may not be renamed or deleted")

	// ErrNotEmpty is returned when deleting a folder that still holds
	// messages, directly or in a descendant.
	ErrNotEmpty = errors.New("folder is not empty")
)

// DefaultDelimiter separates hierarchy levels in folder names.
const DefaultDelimiter = "/"

// defaultFolders is the system set every user gets at creation.
var defaultFolders = []struct {
	Name       string
	SystemType string
}{
	{"INBOX", store.SystemInbox},
	{"Sent", store.SystemSent},
	{"Drafts", store.SystemDrafts},
	{"Trash", store.SystemTrash},
	{"Spam", store.SystemSpam},
	{"Outbox", store.SystemOutbox},
}

// Manager owns folder operations for all users.
type Manager struct {
	router *store.Router
	clock  clock.Clock
	logger *slog.Logger
}

// NewManager creates a Manager.
func NewManager(router *store.Router, clk clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{router: router, clock: clk, logger: logger}
}

// CreateRequest describes a new folder.
type CreateRequest struct {
	Name      string
	Delimiter string
}

// UpdatePatch describes a folder change. Nil fields are left alone.
type UpdatePatch struct {
	NewName    *string
	Subscribed *bool
}

func (m *Manager) storeFor(user *store.User) (*store.Store, error) {
	if user.Domain != nil {
		return m.router.ForDomain(user.Domain.Name)
	}
	return m.router.Shared(), nil
}

// Create makes a new folder for the user. Names containing the delimiter
// require the parent to exist. UIDVALIDITY comes from the domain sequence.
func (m *Manager) Create(ctx context.Context, user *store.User, req CreateRequest) (*store.Folder, error) {
	st, err := m.storeFor(user)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("folder name is required")
	}
	delim := req.Delimiter
	if delim == "" {
		delim = DefaultDelimiter
	}

	var created *store.Folder
	err = st.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.FolderByName(ctx, user.ID, name); err == nil {
			return ErrExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if i := strings.LastIndex(name, delim); i >= 0 {
			parent := name[:i]
			if _, err := tx.FolderByName(ctx, user.ID, parent); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrParentMissing
				}
				return err
			}
		}

		now := m.clock.Now()
		validity, err := tx.NextUIDValidity(ctx, user.DomainID, now.Unix())
		if err != nil {
			return err
		}

		f := &store.Folder{
			UserID:      user.ID,
			Name:        name,
			Delimiter:   delim,
			UIDNext:     1,
			UIDValidity: validity,
			Subscribed:  true,
			CreatedAt:   now,
		}
		if err := tx.CreateFolder(ctx, f); err != nil {
			if errors.Is(err, store.ErrUniqueViolation) {
				return ErrExists
			}
			return err
		}
		created = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update applies the patch. Renames rewrite every descendant's name prefix
// in the same transaction; system folders may not be renamed.
func (m *Manager) Update(ctx context.Context, user *store.User, name string, patch UpdatePatch) (*store.Folder, error) {
	st, err := m.storeFor(user)
	if err != nil {
		return nil, err
	}

	var updated *store.Folder
	err = st.WithTx(ctx, func(tx *store.Store) error {
		f, err := tx.FolderByName(ctx, user.ID, name)
		if err != nil {
			return err
		}

		if patch.Subscribed != nil {
			f.Subscribed = *patch.Subscribed
		}

		if patch.NewName != nil && *patch.NewName != f.Name {
			if f.IsSystem() {
				return ErrSystemFolder
			}
			newName := strings.TrimSpace(*patch.NewName)
			if newName == "" {
				return fmt.Errorf("folder name is required")
			}
			if _, err := tx.FolderByName(ctx, user.ID, newName); err == nil {
				return ErrExists
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}

			oldPrefix := f.Name + f.Delimiter
			newPrefix := newName + f.Delimiter
			descendants, err := tx.FoldersByPrefix(ctx, user.ID, oldPrefix)
			if err != nil {
				return err
			}
			for i := range descendants {
				d := &descendants[i]
				d.Name = newPrefix + strings.TrimPrefix(d.Name, oldPrefix)
				if err := tx.UpdateFolder(ctx, d); err != nil {
					return err
				}
			}
			f.Name = newName
		}

		if err := tx.UpdateFolder(ctx, f); err != nil {
			return err
		}
		updated = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a folder and its descendants. System folders and folders
// that still hold messages (anywhere in the subtree) are refused.
func (m *Manager) Delete(ctx context.Context, user *store.User, name string) error {
	st, err := m.storeFor(user)
	if err != nil {
		return err
	}

	return st.WithTx(ctx, func(tx *store.Store) error {
		f, err := tx.FolderByName(ctx, user.ID, name)
		if err != nil {
			return err
		}
		if f.IsSystem() {
			return ErrSystemFolder
		}

		descendants, err := tx.FoldersByPrefix(ctx, user.ID, f.Name+f.Delimiter)
		if err != nil {
			return err
		}

		ids := []int64{f.ID}
		for _, d := range descendants {
			ids = append(ids, d.ID)
		}

		n, err := tx.CountMessagesInFolders(ctx, ids)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrNotEmpty
		}

		for _, id := range ids {
			if err := tx.DeleteFolder(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns the user's folders, system folders first, then alphabetical.
func (m *Manager) List(ctx context.Context, user *store.User) ([]store.Folder, error) {
	st, err := m.storeFor(user)
	if err != nil {
		return nil, err
	}
	return st.FoldersByUser(ctx, user.ID)
}

// Get finds one folder by name.
func (m *Manager) Get(ctx context.Context, user *store.User, name string) (*store.Folder, error) {
	st, err := m.storeFor(user)
	if err != nil {
		return nil, err
	}
	return st.FolderByName(ctx, user.ID, name)
}

// CreateDefaults creates the six system folders inside the caller's
// transaction. Used by the user directory at account creation.
func CreateDefaults(ctx context.Context, tx *store.Store, user *store.User, now time.Time) error {
	for _, def := range defaultFolders {
		validity, err := tx.NextUIDValidity(ctx, user.DomainID, now.Unix())
		if err != nil {
			return err
		}
		f := &store.Folder{
			UserID:      user.ID,
			Name:        def.Name,
			Delimiter:   DefaultDelimiter,
			SystemType:  def.SystemType,
			UIDNext:     1,
			UIDValidity: validity,
			Subscribed:  true,
			CreatedAt:   now,
		}
		if err := tx.CreateFolder(ctx, f); err != nil {
			return fmt.Errorf("creating %s: %w", def.Name, err)
		}
	}
	return nil
}
