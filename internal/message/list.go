package message

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Hafthor/frimerki/internal/store"
)

// MaxTake is the hard page-size cap.
const MaxTake = 100

// DefaultTake is the page size when the caller does not specify one.
const DefaultTake = 50

// ListOptions filters, sorts, and paginates a user's messages.
type ListOptions struct {
	Q         string
	Folder    string
	FolderID  *int64
	Flags     string // read, unread, seen, unseen, flagged, answered, draft, deleted
	From      string
	To        string
	Since     *time.Time
	Before    *time.Time
	MinSize   *int64
	MaxSize   *int64
	SortBy    string // date, subject, sender, from, size
	SortOrder string // asc, desc
	Skip      int
	Take      int
}

// Page is one page of message views.
type Page struct {
	Items          []View
	Skip           int
	Take           int
	TotalCount     int64
	NextURL        string
	AppliedFilters map[string]string
}

// List returns a filtered, sorted, paginated page of the user's messages.
func (s *Service) List(ctx context.Context, user *store.User, opts ListOptions) (*Page, error) {
	st, err := s.storeFor(user)
	if err != nil {
		return nil, err
	}

	if opts.Take <= 0 {
		opts.Take = DefaultTake
	}
	if opts.Take > MaxTake {
		opts.Take = MaxTake
	}
	if opts.Skip < 0 {
		opts.Skip = 0
	}

	q := store.ListQuery{
		UserID:  user.ID,
		Text:    opts.Q,
		From:    opts.From,
		To:      opts.To,
		Since:   opts.Since,
		Before:  opts.Before,
		MinSize: opts.MinSize,
		MaxSize: opts.MaxSize,
		Skip:    opts.Skip,
		Take:    opts.Take,
	}

	if opts.FolderID != nil {
		q.FolderID = opts.FolderID
	} else if opts.Folder != "" {
		f, err := st.FolderByName(ctx, user.ID, opts.Folder)
		if err != nil {
			return nil, err
		}
		q.FolderID = &f.ID
	}

	if opts.Flags != "" {
		flag, set, err := flagFilter(opts.Flags)
		if err != nil {
			return nil, err
		}
		q.Flag = flag
		q.FlagSet = set
	}

	switch strings.ToLower(opts.SortBy) {
	case "", "date":
		q.SortBy = "date"
	case "subject":
		q.SortBy = "subject"
	case "sender", "from":
		q.SortBy = "sender"
	case "size":
		q.SortBy = "size"
	default:
		return nil, fmt.Errorf("unknown sort key %q", opts.SortBy)
	}

	switch strings.ToLower(opts.SortOrder) {
	case "":
		// Date sorts default newest first; other keys default ascending.
		q.SortDesc = q.SortBy == "date"
	case "desc":
		q.SortDesc = true
	case "asc":
		q.SortDesc = false
	default:
		return nil, fmt.Errorf("unknown sort order %q", opts.SortOrder)
	}

	items, total, err := st.ListUserMessages(ctx, q)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Skip:           opts.Skip,
		Take:           opts.Take,
		TotalCount:     total,
		AppliedFilters: appliedFilters(opts),
	}

	folderNames, err := folderNameIndex(ctx, st, user.ID)
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

	for i := range items {
		um := &items[i]
		page.Items = append(page.Items, *buildView(um, folderNames[um.FolderID], flagIndex[um.MessageID]))
	}

	if int64(opts.Skip+opts.Take) < total {
		page.NextURL = nextURL(opts)
	}
	return page, nil
}

func flagFilter(name string) (string, bool, error) {
	switch strings.ToLower(name) {
	case "read", "seen":
		return store.FlagSeen, true, nil
	case "unread", "unseen":
		return store.FlagSeen, false, nil
	case "flagged":
		return store.FlagFlagged, true, nil
	case "answered":
		return store.FlagAnswered, true, nil
	case "draft":
		return store.FlagDraft, true, nil
	case "deleted":
		return store.FlagDeleted, true, nil
	default:
		return "", false, fmt.Errorf("unknown flag filter %q", name)
	}
}

func folderNameIndex(ctx context.Context, st *store.Store, userID int64) (map[int64]string, error) {
	folders, err := st.FoldersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(folders))
	for _, f := range folders {
		out[f.ID] = f.Name
	}
	return out, nil
}

// appliedFilters collects every non-default filter for the response echo.
func appliedFilters(opts ListOptions) map[string]string {
	out := make(map[string]string)
	if opts.Q != "" {
		out["q"] = opts.Q
	}
	if opts.Folder != "" {
		out["folder"] = opts.Folder
	}
	if opts.FolderID != nil {
		out["folderId"] = strconv.FormatInt(*opts.FolderID, 10)
	}
	if opts.Flags != "" {
		out["flags"] = opts.Flags
	}
	if opts.From != "" {
		out["from"] = opts.From
	}
	if opts.To != "" {
		out["to"] = opts.To
	}
	if opts.Since != nil {
		out["since"] = opts.Since.Format(time.RFC3339)
	}
	if opts.Before != nil {
		out["before"] = opts.Before.Format(time.RFC3339)
	}
	if opts.MinSize != nil {
		out["minSize"] = strconv.FormatInt(*opts.MinSize, 10)
	}
	if opts.MaxSize != nil {
		out["maxSize"] = strconv.FormatInt(*opts.MaxSize, 10)
	}
	if opts.SortBy != "" {
		out["sortBy"] = opts.SortBy
	}
	if opts.SortOrder != "" {
		out["sortOrder"] = opts.SortOrder
	}
	return out
}

// nextURL builds the link to the next page, round-tripping every
// non-default filter.
func nextURL(opts ListOptions) string {
	values := url.Values{}
	for k, v := range appliedFilters(opts) {
		values.Set(k, v)
	}
	values.Set("skip", strconv.Itoa(opts.Skip+opts.Take))
	values.Set("take", strconv.Itoa(opts.Take))
	return "/api/v1/messages?" + values.Encode()
}
