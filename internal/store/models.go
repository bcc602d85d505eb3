package store

import "time"

// Role is the access level of a user account.
type Role string

const (
	RoleUser        Role = "User"
	RoleDomainAdmin Role = "DomainAdmin"
	RoleHostAdmin   Role = "HostAdmin"
)

// System folder types. A folder with a non-empty SystemType may not be
// renamed or deleted.
const (
	SystemInbox  = "INBOX"
	SystemSent   = "SENT"
	SystemDrafts = "DRAFTS"
	SystemTrash  = "TRASH"
	SystemSpam   = "SPAM"
	SystemOutbox = "OUTBOX"
)

// Standard IMAP flag names.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// Domain is a mail domain served by this host.
type Domain struct {
	ID             int64  `gorm:"primaryKey"`
	Name           string `gorm:"uniqueIndex;not null"`
	IsActive       bool   `gorm:"not null;default:true"`
	CatchAllUserID *int64
	CreatedAt      time.Time
}

// User is an account within a domain. Natural identity is (Username, DomainID);
// external identity is "username@domain".
type User struct {
	ID           int64  `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex:idx_users_username_domain;not null"`
	DomainID     int64  `gorm:"uniqueIndex:idx_users_username_domain;not null"`
	Domain       *Domain
	PasswordHash string `gorm:"not null"`
	PasswordSalt string `gorm:"not null"`
	FullName     string
	Role         Role `gorm:"not null;default:User"`
	CanReceive   bool `gorm:"not null;default:true"`
	CanLogin     bool `gorm:"not null;default:true"`
	CreatedAt    time.Time
	LastLogin    *time.Time

	FailedLoginAttempts int `gorm:"not null;default:0"`
	LockoutEnd          *time.Time
	LastFailedLogin     *time.Time
}

// Email returns the external identity of the user. The Domain association
// must be loaded.
func (u *User) Email() string {
	if u.Domain == nil {
		return u.Username
	}
	return u.Username + "@" + u.Domain.Name
}

// Folder is one mailbox in a user's hierarchy. Hierarchy is encoded in Name,
// levels separated by Delimiter.
type Folder struct {
	ID          int64  `gorm:"primaryKey"`
	UserID      int64  `gorm:"uniqueIndex:idx_folders_user_name;not null"`
	Name        string `gorm:"uniqueIndex:idx_folders_user_name;not null"`
	Delimiter   string `gorm:"not null;default:/"`
	SystemType  string `gorm:"index"`
	Attributes  string
	UIDNext     int64 `gorm:"column:uid_next;not null;default:1"`
	UIDValidity int64 `gorm:"column:uid_validity;not null"`
	Exists      int   `gorm:"column:msg_exists;not null;default:0"`
	Recent      int   `gorm:"not null;default:0"`
	Unseen      int   `gorm:"not null;default:0"`
	Subscribed  bool  `gorm:"not null;default:true"`
	CreatedAt   time.Time
}

// IsSystem reports whether the folder is one of the six protected folders.
func (f *Folder) IsSystem() bool {
	return f.SystemType != ""
}

// Message is the shared content of a mail message. Immutable after creation
// except while a user holds \Draft on it.
type Message struct {
	ID              int64  `gorm:"primaryKey"`
	HeaderMessageID string `gorm:"index"`
	FromAddr        string
	ToAddr          string
	Cc              string
	Bcc             string
	Subject         string
	Headers         string `gorm:"not null"`
	Body            string
	BodyHTML        string `gorm:"column:body_html"`
	MessageSize     int64  `gorm:"not null"`
	ReceivedAt      time.Time
	SentDate        *time.Time
	InReplyTo       string
	References      string
	BodyStructure   string `gorm:"column:body_structure"`
	Envelope        string
	UID             int64 `gorm:"column:uid"`
	UIDValidity     int64 `gorm:"column:uid_validity"`
}

// UserMessage places a message in one user's folder. UID is folder-scoped,
// assigned when the message lands in the folder.
type UserMessage struct {
	ID             int64 `gorm:"primaryKey"`
	UserID         int64 `gorm:"index;not null"`
	MessageID      int64 `gorm:"index;not null"`
	Message        *Message
	FolderID       int64 `gorm:"uniqueIndex:idx_user_messages_folder_uid;not null"`
	UID            int64 `gorm:"column:uid;uniqueIndex:idx_user_messages_folder_uid;not null"`
	SequenceNumber int
	ReceivedAt     time.Time
}

// MessageFlag is one flag for one (message, user) pair. A row with
// IsSet=false is treated as absent by all projections.
type MessageFlag struct {
	ID         int64  `gorm:"primaryKey"`
	MessageID  int64  `gorm:"uniqueIndex:idx_flags_msg_user_name;not null"`
	UserID     int64  `gorm:"uniqueIndex:idx_flags_msg_user_name;not null"`
	FlagName   string `gorm:"uniqueIndex:idx_flags_msg_user_name;not null"`
	IsSet      bool   `gorm:"not null"`
	ModifiedAt time.Time
}

// Attachment records one decoded attachment stored on the filesystem.
type Attachment struct {
	ID            int64 `gorm:"primaryKey"`
	MessageID     int64 `gorm:"index;not null"`
	Filename      string
	ContentType   string
	Size          int64
	FileGUID      string `gorm:"column:file_guid;uniqueIndex;not null"`
	FileExtension string
	FilePath      string
	CreatedAt     time.Time
}

// DkimKey is one signing key for a domain. At most one key per domain is
// active at a time.
type DkimKey struct {
	ID         int64  `gorm:"primaryKey"`
	DomainID   int64  `gorm:"index;not null"`
	Selector   string `gorm:"not null"`
	PrivateKey string `gorm:"not null"`
	PublicKey  string `gorm:"not null"`
	IsActive   bool   `gorm:"not null"`
	CreatedAt  time.Time
}

// UIDValiditySequence is the per-domain counter that mints UIDVALIDITY values
// for folders created under that domain.
type UIDValiditySequence struct {
	DomainID int64 `gorm:"primaryKey"`
	Value    int64 `gorm:"not null"`
}

func allModels() []any {
	return []any{
		&Domain{},
		&User{},
		&Folder{},
		&Message{},
		&UserMessage{},
		&MessageFlag{},
		&Attachment{},
		&DkimKey{},
		&UIDValiditySequence{},
	}
}
