package imap

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/Hafthor/frimerki/internal/folder"
	"github.com/Hafthor/frimerki/internal/logging"
	"github.com/Hafthor/frimerki/internal/message"
	"github.com/Hafthor/frimerki/internal/metrics"
	"github.com/Hafthor/frimerki/internal/server"
	"github.com/Hafthor/frimerki/internal/store"
)

// capabilityList is advertised in the greeting and CAPABILITY response.
const capabilityList = "IMAP4rev1 STARTTLS AUTH=PLAIN"

// Config holds IMAP handler settings.
type Config struct {
	Hostname     string
	AuthProvider AuthProvider
	Messages     *message.Service
	Folders      *folder.Manager
	TLSConfig    *tls.Config
	Collector    metrics.Collector
}

// Handler creates an IMAP protocol handler.
func Handler(cfg Config) server.ConnectionHandler {
	return func(ctx context.Context, conn *server.Connection) {
		h := &sessionHandler{cfg: cfg, conn: conn, sess: NewSession(cfg.Hostname)}
		h.run(ctx)
	}
}

// sessionHandler carries one connection's state through the command loop.
type sessionHandler struct {
	cfg  Config
	conn *server.Connection
	sess *Session
}

func (h *sessionHandler) run(ctx context.Context) {
	logger := logging.FromContext(ctx)

	h.cfg.Collector.ConnectionOpened(metrics.ProtocolIMAP)
	defer h.cfg.Collector.ConnectionClosed(metrics.ProtocolIMAP)

	if h.conn.IsTLS() {
		h.cfg.Collector.TLSConnectionEstablished(metrics.ProtocolIMAP)
	}

	logger.Info("starting IMAP session", "remote", h.conn.RemoteAddr().String())

	if err := h.conn.WriteLine(fmt.Sprintf("* OK [CAPABILITY %s] Server ready", capabilityList)); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = h.conn.WriteLine("* BYE Server shutting down")
			return
		default:
		}

		if h.conn.IsClosed() || h.sess.State() == StateLogout {
			return
		}

		if err := h.conn.SetCommandTimeout(); err != nil {
			return
		}

		line, err := h.conn.Reader().ReadString('\n')
		if err != nil {
			if err != io.EOF {
				logger.Error("error reading command", "error", err.Error())
			}
			return
		}
		if err := h.conn.ResetIdleTimeout(); err != nil {
			return
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		req, err := ParseLine(line)
		if err != nil {
			tag := "*"
			if fields := strings.Fields(line); len(fields) > 0 {
				tag = fields[0]
			}
			h.respond(tag, "BAD", "Could not parse command")
			continue
		}

		logger.Debug("received command",
			"tag", req.Tag,
			"command", req.Command,
			"state", h.sess.State().String(),
		)
		h.cfg.Collector.CommandProcessed(metrics.ProtocolIMAP, req.Command)

		if done := h.dispatch(ctx, req); done {
			return
		}
	}
}

// dispatch runs one command. It returns true when the connection should
// close.
func (h *sessionHandler) dispatch(ctx context.Context, req *Request) bool {
	switch req.Command {
	case "CAPABILITY":
		h.untagged("CAPABILITY " + capabilityList)
		h.respond(req.Tag, "OK", "CAPABILITY completed")

	case "NOOP":
		h.emitPendingUpdates(ctx)
		h.respond(req.Tag, "OK", "NOOP completed")

	case "LOGOUT":
		h.untagged("BYE logging out")
		h.respond(req.Tag, "OK", "LOGOUT completed")
		h.sess.Logout()
		return true

	case "STARTTLS":
		h.handleStartTLS(ctx, req)

	case "LOGIN":
		h.handleLogin(ctx, req)

	case "AUTHENTICATE":
		h.handleAuthenticate(ctx, req)

	case "LIST":
		h.requireAuth(req, func() { h.handleList(ctx, req, false) })

	case "LSUB":
		h.requireAuth(req, func() { h.handleList(ctx, req, true) })

	case "SUBSCRIBE":
		h.requireAuth(req, func() { h.handleSubscribe(ctx, req, true) })

	case "UNSUBSCRIBE":
		h.requireAuth(req, func() { h.handleSubscribe(ctx, req, false) })

	case "CREATE":
		h.requireAuth(req, func() { h.handleCreate(ctx, req) })

	case "DELETE":
		h.requireAuth(req, func() { h.handleDelete(ctx, req) })

	case "RENAME":
		h.requireAuth(req, func() { h.handleRename(ctx, req) })

	case "STATUS":
		h.requireAuth(req, func() { h.handleStatus(ctx, req) })

	case "SELECT":
		h.requireAuth(req, func() { h.handleSelect(ctx, req, false) })

	case "EXAMINE":
		h.requireAuth(req, func() { h.handleSelect(ctx, req, true) })

	case "APPEND":
		h.requireAuth(req, func() { h.handleAppend(ctx, req) })

	case "CHECK":
		h.requireSelected(req, func() {
			h.emitPendingUpdates(ctx)
			h.respond(req.Tag, "OK", "CHECK completed")
		})

	case "CLOSE":
		h.requireSelected(req, func() { h.handleClose(ctx, req) })

	case "EXPUNGE":
		h.requireSelected(req, func() { h.handleExpunge(ctx, req) })

	case "FETCH":
		h.requireSelected(req, func() { h.handleFetch(ctx, req, false) })

	case "STORE":
		h.requireSelected(req, func() { h.handleStore(ctx, req, false) })

	case "SEARCH":
		h.requireSelected(req, func() { h.handleSearch(ctx, req, false) })

	case "UID":
		h.requireSelected(req, func() { h.handleUID(ctx, req) })

	default:
		h.respond(req.Tag, "BAD", "Unknown command")
	}
	return false
}

// requireAuth rejects the command before LOGIN without leaking mailbox
// information.
func (h *sessionHandler) requireAuth(req *Request, fn func()) {
	if !h.sess.IsAuthenticated() {
		h.respond(req.Tag, "NO", "Authentication required")
		return
	}
	fn()
}

func (h *sessionHandler) requireSelected(req *Request, fn func()) {
	if h.sess.State() != StateSelected {
		h.respond(req.Tag, "BAD", "No mailbox selected")
		return
	}
	fn()
}

func (h *sessionHandler) untagged(text string) {
	_ = h.conn.WriteLine("* " + text)
}

func (h *sessionHandler) respond(tag, status, text string) {
	_ = h.conn.WriteLine(fmt.Sprintf("%s %s %s", tag, status, text))
}

// writeRaw writes a response that may embed literals with their own CRLFs.
func (h *sessionHandler) writeRaw(s string) {
	if _, err := h.conn.Writer().WriteString(s + "\r\n"); err != nil {
		return
	}
	_ = h.conn.Flush()
}

func (h *sessionHandler) handleStartTLS(ctx context.Context, req *Request) {
	logger := logging.FromContext(ctx)

	if h.cfg.TLSConfig == nil {
		h.respond(req.Tag, "NO", "STARTTLS not available")
		return
	}
	if h.conn.IsTLS() {
		h.respond(req.Tag, "BAD", "Already in TLS")
		return
	}

	h.respond(req.Tag, "OK", "Begin TLS negotiation now")
	if err := h.conn.UpgradeToTLS(h.cfg.TLSConfig); err != nil {
		logger.Error("TLS upgrade failed", "error", err.Error())
		_ = h.conn.Close()
		return
	}
	h.cfg.Collector.TLSConnectionEstablished(metrics.ProtocolIMAP)
	logger.Info("TLS upgrade successful")
}

func (h *sessionHandler) handleLogin(ctx context.Context, req *Request) {
	logger := logging.FromContext(ctx)

	if h.sess.State() != StateNotAuthenticated {
		h.respond(req.Tag, "BAD", "Already authenticated")
		return
	}
	if len(req.Args) < 2 {
		h.respond(req.Tag, "BAD", "LOGIN requires username and password")
		return
	}

	user, err := h.cfg.AuthProvider.Authenticate(ctx, req.Args[0], req.Args[1])
	if err != nil {
		h.cfg.Collector.AuthAttempt(metrics.ProtocolIMAP, domainOf(req.Args[0]), false)
		logger.Info("login failed", "username", req.Args[0])
		h.respond(req.Tag, "NO", "LOGIN failed")
		return
	}

	h.sess.SetAuthenticated(user)
	h.cfg.Collector.AuthAttempt(metrics.ProtocolIMAP, domainOf(user.Email()), true)
	logger.Info("login successful", "user", user.Email())
	h.respond(req.Tag, "OK", "LOGIN completed")
}

func (h *sessionHandler) handleAuthenticate(ctx context.Context, req *Request) {
	if h.sess.State() != StateNotAuthenticated {
		h.respond(req.Tag, "BAD", "Already authenticated")
		return
	}
	if len(req.Args) < 1 || !strings.EqualFold(req.Args[0], "PLAIN") {
		h.respond(req.Tag, "NO", "Unsupported authentication mechanism")
		return
	}

	initial := ""
	if len(req.Args) > 1 {
		initial = req.Args[1]
	}
	if initial == "" {
		if err := h.conn.WriteLine("+ "); err != nil {
			return
		}
		line, err := h.conn.Reader().ReadString('\n')
		if err != nil {
			return
		}
		initial = strings.TrimSpace(line)
		if initial == "*" {
			h.respond(req.Tag, "BAD", "Authentication cancelled")
			return
		}
	}

	decoded, err := base64.StdEncoding.DecodeString(initial)
	if err != nil {
		h.respond(req.Tag, "BAD", "Invalid base64 data")
		return
	}

	var user *store.User
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return fmt.Errorf("identities do not match")
		}
		u, authErr := h.cfg.AuthProvider.Authenticate(ctx, username, password)
		if authErr != nil {
			return authErr
		}
		user = u
		return nil
	})
	if _, _, err := srv.Next(decoded); err != nil || user == nil {
		h.cfg.Collector.AuthAttempt(metrics.ProtocolIMAP, "unknown", false)
		h.respond(req.Tag, "NO", "AUTHENTICATE failed")
		return
	}

	h.sess.SetAuthenticated(user)
	h.cfg.Collector.AuthAttempt(metrics.ProtocolIMAP, domainOf(user.Email()), true)
	h.respond(req.Tag, "OK", "AUTHENTICATE completed")
}

// canonicalMailbox normalizes the INBOX name, which is case-insensitive.
func canonicalMailbox(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

func (h *sessionHandler) handleList(ctx context.Context, req *Request, subscribedOnly bool) {
	if len(req.Args) < 2 {
		h.respond(req.Tag, "BAD", "LIST requires reference and mailbox arguments")
		return
	}
	ref, pattern := req.Args[0], req.Args[1]
	verb := "LIST"
	if subscribedOnly {
		verb = "LSUB"
	}

	// An empty mailbox name asks for the hierarchy delimiter.
	if pattern == "" {
		h.untagged(fmt.Sprintf(`%s (\Noselect) "/" ""`, verb))
		h.respond(req.Tag, "OK", verb+" completed")
		return
	}

	folders, err := h.cfg.Folders.List(ctx, h.sess.User())
	if err != nil {
		h.respond(req.Tag, "NO", verb+" failed")
		return
	}

	re, err := compileListPattern(ref + pattern)
	if err != nil {
		h.respond(req.Tag, "BAD", "Invalid mailbox pattern")
		return
	}

	hasChild := make(map[string]bool)
	for _, f := range folders {
		if i := strings.LastIndex(f.Name, f.Delimiter); i > 0 {
			hasChild[f.Name[:i]] = true
		}
	}

	for _, f := range folders {
		if subscribedOnly && !f.Subscribed {
			continue
		}
		if !re.MatchString(f.Name) {
			continue
		}
		attr := `\HasNoChildren`
		if hasChild[f.Name] {
			attr = `\HasChildren`
		}
		h.untagged(fmt.Sprintf(`%s (%s) "%s" "%s"`, verb, attr, f.Delimiter, f.Name))
	}
	h.respond(req.Tag, "OK", verb+" completed")
}

// compileListPattern turns an IMAP mailbox pattern into a regular
// expression: "%" matches within one hierarchy level, "*" across levels.
func compileListPattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^/]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func (h *sessionHandler) handleSubscribe(ctx context.Context, req *Request, subscribed bool) {
	verb := "SUBSCRIBE"
	if !subscribed {
		verb = "UNSUBSCRIBE"
	}
	if len(req.Args) < 1 {
		h.respond(req.Tag, "BAD", verb+" requires a mailbox name")
		return
	}

	name := canonicalMailbox(req.Args[0])
	if _, err := h.cfg.Folders.Update(ctx, h.sess.User(), name, folder.UpdatePatch{Subscribed: &subscribed}); err != nil {
		h.respond(req.Tag, "NO", verb+" failed: no such mailbox")
		return
	}
	h.respond(req.Tag, "OK", verb+" completed")
}

func (h *sessionHandler) handleCreate(ctx context.Context, req *Request) {
	if len(req.Args) < 1 {
		h.respond(req.Tag, "BAD", "CREATE requires a mailbox name")
		return
	}
	_, err := h.cfg.Folders.Create(ctx, h.sess.User(), folder.CreateRequest{Name: req.Args[0]})
	if err != nil {
		h.respond(req.Tag, "NO", "CREATE failed: "+err.Error())
		return
	}
	h.respond(req.Tag, "OK", "CREATE completed")
}

func (h *sessionHandler) handleDelete(ctx context.Context, req *Request) {
	if len(req.Args) < 1 {
		h.respond(req.Tag, "BAD", "DELETE requires a mailbox name")
		return
	}
	if err := h.cfg.Folders.Delete(ctx, h.sess.User(), req.Args[0]); err != nil {
		h.respond(req.Tag, "NO", "DELETE failed: "+err.Error())
		return
	}
	h.respond(req.Tag, "OK", "DELETE completed")
}

func (h *sessionHandler) handleRename(ctx context.Context, req *Request) {
	if len(req.Args) < 2 {
		h.respond(req.Tag, "BAD", "RENAME requires old and new mailbox names")
		return
	}
	newName := req.Args[1]
	if _, err := h.cfg.Folders.Update(ctx, h.sess.User(), req.Args[0], folder.UpdatePatch{NewName: &newName}); err != nil {
		h.respond(req.Tag, "NO", "RENAME failed: "+err.Error())
		return
	}
	h.respond(req.Tag, "OK", "RENAME completed")
}

func (h *sessionHandler) handleStatus(ctx context.Context, req *Request) {
	if len(req.Args) < 2 {
		h.respond(req.Tag, "BAD", "STATUS requires a mailbox and item list")
		return
	}
	name := canonicalMailbox(req.Args[0])
	f, err := h.cfg.Folders.Get(ctx, h.sess.User(), name)
	if err != nil {
		h.respond(req.Tag, "NO", "STATUS failed: no such mailbox")
		return
	}

	var parts []string
	for _, item := range parenItems(req.Args[1]) {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", f.Exists))
		case "RECENT":
			parts = append(parts, fmt.Sprintf("RECENT %d", f.Recent))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", f.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", f.UIDValidity))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", f.Unseen))
		default:
			h.respond(req.Tag, "BAD", "Unknown STATUS item "+item)
			return
		}
	}

	h.untagged(fmt.Sprintf(`STATUS "%s" (%s)`, f.Name, strings.Join(parts, " ")))
	h.respond(req.Tag, "OK", "STATUS completed")
}

func (h *sessionHandler) handleSelect(ctx context.Context, req *Request, readOnly bool) {
	verb := "SELECT"
	if readOnly {
		verb = "EXAMINE"
	}
	if len(req.Args) < 1 {
		h.respond(req.Tag, "BAD", verb+" requires a mailbox name")
		return
	}

	name := canonicalMailbox(req.Args[0])
	f, err := h.cfg.Folders.Get(ctx, h.sess.User(), name)
	if err != nil {
		h.sess.Deselect()
		h.respond(req.Tag, "NO", verb+" failed: no such mailbox")
		return
	}

	views, err := h.cfg.Messages.FolderMessages(ctx, h.sess.User(), f.ID)
	if err != nil {
		h.sess.Deselect()
		h.respond(req.Tag, "NO", verb+" failed")
		return
	}

	mb := &Mailbox{
		Folder:         f,
		Views:          views,
		ReadOnly:       readOnly,
		ReportedExists: len(views),
		ReportedRecent: f.Recent,
	}
	h.sess.Select(mb)

	h.untagged(fmt.Sprintf("%d EXISTS", len(views)))
	h.untagged(fmt.Sprintf("%d RECENT", f.Recent))
	h.untagged(fmt.Sprintf("OK [UIDVALIDITY %d] UIDs valid", f.UIDValidity))
	h.untagged(fmt.Sprintf("OK [UIDNEXT %d] Predicted next UID", f.UIDNext))
	h.untagged(`FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	if f.Unseen > 0 {
		if seq := firstUnseen(views); seq > 0 {
			h.untagged(fmt.Sprintf("OK [UNSEEN %d] First unseen message", seq))
		}
	}

	access := "[READ-WRITE]"
	if readOnly {
		access = "[READ-ONLY]"
	}
	h.respond(req.Tag, "OK", access+" "+verb+" completed")
}

func firstUnseen(views []message.View) int64 {
	for i := range views {
		if !views[i].Flags.Seen {
			return int64(i + 1)
		}
	}
	return 0
}

func (h *sessionHandler) handleClose(ctx context.Context, req *Request) {
	mb := h.sess.Mailbox()
	if !mb.ReadOnly {
		// CLOSE expunges silently.
		_, _ = h.cfg.Messages.Expunge(ctx, h.sess.User(), mb.Folder.ID)
	}
	h.sess.Deselect()
	h.respond(req.Tag, "OK", "CLOSE completed")
}

func (h *sessionHandler) handleExpunge(ctx context.Context, req *Request) {
	mb := h.sess.Mailbox()
	if mb.ReadOnly {
		h.respond(req.Tag, "NO", "Mailbox is read-only")
		return
	}

	uids, err := h.cfg.Messages.Expunge(ctx, h.sess.User(), mb.Folder.ID)
	if err != nil {
		h.respond(req.Tag, "NO", "EXPUNGE failed")
		return
	}

	// Emit in descending sequence order so each number stays valid as the
	// client shrinks its model.
	seqs := make([]int64, 0, len(uids))
	for _, uid := range uids {
		if _, seq := mb.ByUID(uid); seq > 0 {
			seqs = append(seqs, seq)
		}
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		h.untagged(fmt.Sprintf("%d EXPUNGE", seqs[i]))
		h.cfg.Collector.MessageDeleted(metrics.ProtocolIMAP, domainOf(h.sess.Username()))
	}

	h.refreshMailbox(ctx)
	h.respond(req.Tag, "OK", "EXPUNGE completed")
}

// refreshMailbox reloads the snapshot after a mutation, keeping the
// reported counters in step so no spurious EXISTS is emitted.
func (h *sessionHandler) refreshMailbox(ctx context.Context) {
	mb := h.sess.Mailbox()
	if mb == nil {
		return
	}
	views, err := h.cfg.Messages.FolderMessages(ctx, h.sess.User(), mb.Folder.ID)
	if err != nil {
		return
	}
	mb.Views = views
	mb.ReportedExists = len(views)
	if f, err := h.cfg.Folders.Get(ctx, h.sess.User(), mb.Folder.Name); err == nil {
		mb.Folder = f
		mb.ReportedRecent = f.Recent
	}
}

// emitPendingUpdates reloads the selected folder and reports new arrivals
// with untagged EXISTS/RECENT. Only called at command boundaries.
func (h *sessionHandler) emitPendingUpdates(ctx context.Context) {
	mb := h.sess.Mailbox()
	if mb == nil {
		return
	}
	views, err := h.cfg.Messages.FolderMessages(ctx, h.sess.User(), mb.Folder.ID)
	if err != nil {
		return
	}
	f, err := h.cfg.Folders.Get(ctx, h.sess.User(), mb.Folder.Name)
	if err != nil {
		return
	}
	mb.Views = views
	mb.Folder = f

	if len(views) != mb.ReportedExists {
		h.untagged(fmt.Sprintf("%d EXISTS", len(views)))
		mb.ReportedExists = len(views)
	}
	if f.Recent != mb.ReportedRecent {
		h.untagged(fmt.Sprintf("%d RECENT", f.Recent))
		mb.ReportedRecent = f.Recent
	}
}

// selectViews resolves a sequence set (by sequence number or UID) to the
// matching snapshot entries with their sequence numbers.
func (h *sessionHandler) selectViews(spec string, byUID bool) ([]int64, []*message.View, error) {
	mb := h.sess.Mailbox()
	max := mb.MaxSeq()
	if byUID {
		max = mb.MaxUID()
	}
	set, err := ParseSeqSet(spec, max)
	if err != nil {
		return nil, nil, err
	}

	var seqs []int64
	var views []*message.View
	for i := range mb.Views {
		v := &mb.Views[i]
		seq := int64(i + 1)
		n := seq
		if byUID {
			n = v.UID
		}
		if set.Contains(n) {
			seqs = append(seqs, seq)
			views = append(views, v)
		}
	}
	return seqs, views, nil
}

func (h *sessionHandler) handleFetch(ctx context.Context, req *Request, byUID bool) {
	if len(req.Args) < 2 {
		h.respond(req.Tag, "BAD", "FETCH requires a sequence set and items")
		return
	}

	seqs, views, err := h.selectViews(req.Args[0], byUID)
	if err != nil {
		h.respond(req.Tag, "BAD", "Invalid sequence set")
		return
	}
	items := expandFetchItems(strings.Join(req.Args[1:], " "))

	mb := h.sess.Mailbox()
	for i, v := range views {
		resp, wantSeen, err := renderFetch(v, seqs[i], items, byUID)
		if err != nil {
			h.respond(req.Tag, "BAD", err.Error())
			return
		}
		h.writeRaw(resp)
		h.cfg.Collector.MessageRetrieved(metrics.ProtocolIMAP, domainOf(h.sess.Username()), v.Size)

		if wantSeen && !mb.ReadOnly && !v.Flags.Seen {
			patch := message.UpdatePatch{Flags: map[string]bool{store.FlagSeen: true}}
			if _, err := h.cfg.Messages.Update(ctx, h.sess.User(), v.ID, patch); err == nil {
				v.Flags.Seen = true
			}
		}
	}
	h.respond(req.Tag, "OK", "FETCH completed")
}

func (h *sessionHandler) handleStore(ctx context.Context, req *Request, byUID bool) {
	if len(req.Args) < 3 {
		h.respond(req.Tag, "BAD", "STORE requires a sequence set, action, and flags")
		return
	}

	mb := h.sess.Mailbox()
	if mb.ReadOnly {
		h.respond(req.Tag, "NO", "Mailbox is read-only")
		return
	}

	seqs, views, err := h.selectViews(req.Args[0], byUID)
	if err != nil {
		h.respond(req.Tag, "BAD", "Invalid sequence set")
		return
	}

	action := strings.ToUpper(req.Args[1])
	silent := strings.HasSuffix(action, ".SILENT")
	action = strings.TrimSuffix(action, ".SILENT")

	flagNames := parenItems(strings.Join(req.Args[2:], " "))
	patch, err := storePatch(action, flagNames)
	if err != nil {
		h.respond(req.Tag, "BAD", err.Error())
		return
	}

	for i, v := range views {
		updated, err := h.cfg.Messages.Update(ctx, h.sess.User(), v.ID, patch)
		if err != nil {
			h.respond(req.Tag, "NO", "STORE failed")
			return
		}
		v.Flags = updated.Flags

		if !silent {
			line := fmt.Sprintf("%d FETCH (FLAGS %s", seqs[i], flagList(v.Flags))
			if byUID {
				line += fmt.Sprintf(" UID %d", v.UID)
			}
			h.untagged(line + ")")
		}
	}
	h.respond(req.Tag, "OK", "STORE completed")
}

// systemFlags are the flags STORE FLAGS replaces wholesale.
var systemFlags = []string{
	store.FlagSeen, store.FlagAnswered, store.FlagFlagged,
	store.FlagDeleted, store.FlagDraft,
}

// storePatch translates a STORE action into an update patch.
func storePatch(action string, flagNames []string) (message.UpdatePatch, error) {
	flags := make(map[string]bool)
	switch action {
	case "FLAGS":
		for _, name := range systemFlags {
			flags[name] = false
		}
		for _, name := range flagNames {
			flags[name] = true
		}
	case "+FLAGS":
		for _, name := range flagNames {
			flags[name] = true
		}
	case "-FLAGS":
		for _, name := range flagNames {
			flags[name] = false
		}
	default:
		return message.UpdatePatch{}, fmt.Errorf("unknown STORE action %q", action)
	}
	return message.UpdatePatch{Flags: flags}, nil
}

func (h *sessionHandler) handleSearch(ctx context.Context, req *Request, byUID bool) {
	mb := h.sess.Mailbox()

	match, err := parseSearchProgram(req.Args, mb)
	if err != nil {
		h.respond(req.Tag, "BAD", err.Error())
		return
	}

	var results []string
	for i := range mb.Views {
		v := &mb.Views[i]
		seq := int64(i + 1)
		if !match(seq, v) {
			continue
		}
		if byUID {
			results = append(results, fmt.Sprintf("%d", v.UID))
		} else {
			results = append(results, fmt.Sprintf("%d", seq))
		}
	}

	line := "SEARCH"
	if len(results) > 0 {
		line += " " + strings.Join(results, " ")
	}
	h.untagged(line)
	h.respond(req.Tag, "OK", "SEARCH completed")
}

func (h *sessionHandler) handleUID(ctx context.Context, req *Request) {
	if len(req.Args) < 1 {
		h.respond(req.Tag, "BAD", "UID requires a command")
		return
	}
	sub := &Request{Tag: req.Tag, Command: strings.ToUpper(req.Args[0]), Args: req.Args[1:]}
	switch sub.Command {
	case "FETCH":
		h.handleFetch(ctx, sub, true)
	case "STORE":
		h.handleStore(ctx, sub, true)
	case "SEARCH":
		h.handleSearch(ctx, sub, true)
	default:
		h.respond(req.Tag, "BAD", "Unsupported UID command")
	}
}

func (h *sessionHandler) handleAppend(ctx context.Context, req *Request) {
	logger := logging.FromContext(ctx)

	if len(req.Args) < 2 {
		h.respond(req.Tag, "BAD", "APPEND requires a mailbox and a literal")
		return
	}

	mailbox := canonicalMailbox(req.Args[0])
	size := literalSize(req.Args[len(req.Args)-1])
	if size < 0 {
		h.respond(req.Tag, "BAD", "APPEND requires a message literal")
		return
	}

	// Optional flag list between the mailbox name and the literal.
	var flags []string
	for _, arg := range req.Args[1 : len(req.Args)-1] {
		if strings.HasPrefix(arg, "(") {
			flags = parenItems(arg)
		}
	}

	if err := h.conn.WriteLine("+ Ready for literal data"); err != nil {
		return
	}

	raw := make([]byte, size)
	if _, err := io.ReadFull(h.conn.Reader(), raw); err != nil {
		logger.Error("error reading literal", "error", err.Error())
		_ = h.conn.Close()
		return
	}
	// The literal is followed by the CRLF that ends the command line.
	if line, err := h.conn.Reader().ReadString('\n'); err == nil {
		_ = line
	}

	result, err := h.cfg.Messages.AppendRaw(ctx, h.sess.User(), mailbox, flags, raw)
	if err != nil {
		h.respond(req.Tag, "NO", "APPEND failed: no such mailbox")
		return
	}

	// Appending into the selected mailbox is reported immediately.
	if mb := h.sess.Mailbox(); mb != nil && mb.Folder.Name == mailbox {
		h.emitPendingUpdates(ctx)
	}

	h.respond(req.Tag, "OK", fmt.Sprintf("[APPENDUID %d %d] APPEND completed", result.UIDValidity, result.UID))
}

// domainOf returns the domain part of an address for metrics labeling.
func domainOf(addr string) string {
	if idx := strings.LastIndex(addr, "@"); idx >= 0 {
		return addr[idx+1:]
	}
	return "unknown"
}
