// Round-trip integration tests for the IMAP server: full stack over a
// real TCP connection.
package imap_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Hafthor/frimerki/internal/auth"
	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/delivery"
	"github.com/Hafthor/frimerki/internal/directory"
	"github.com/Hafthor/frimerki/internal/folder"
	"github.com/Hafthor/frimerki/internal/imap"
	"github.com/Hafthor/frimerki/internal/message"
	"github.com/Hafthor/frimerki/internal/metrics"
	"github.com/Hafthor/frimerki/internal/server"
	"github.com/Hafthor/frimerki/internal/store"
)

type testEnv struct {
	addr   string
	clk    *clock.Fake
	dir    *directory.Directory
	engine *delivery.Engine
	seq    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2025, 7, 29, 12, 0, 0, 0, time.UTC))

	st, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.CreateDomain(context.Background(), &store.Domain{Name: "local.test", IsActive: true}); err != nil {
		t.Fatalf("CreateDomain: %v", err)
	}

	router := store.NewRouter("sqlite", st, nil)
	dir := directory.New(router, clk, logger)
	blobs, err := store.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	engine := delivery.NewEngine(dir, router, blobs, clk, logger)
	svc := message.NewService(router, clk, logger)
	folders := folder.NewManager(router, clk, logger)
	authenticator := auth.NewAuthenticator(router, auth.DefaultLockoutPolicy(), clk, logger)

	handler := imap.Handler(imap.Config{
		Hostname:     "mail.local.test",
		AuthProvider: authenticator,
		Messages:     svc,
		Folders:      folders,
		Collector:    &metrics.NoopCollector{},
	})

	listener := server.NewListener(server.ListenerConfig{
		Protocol:       "imap",
		Address:        "127.0.0.1:0",
		IdleTimeout:    30 * time.Second,
		CommandTimeout: 10 * time.Second,
		Logger:         logger,
		Handler:        handler,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = listener.Start(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for listener.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testEnv{addr: listener.Addr().String(), clk: clk, dir: dir, engine: engine}
}

func (e *testEnv) addUser(t *testing.T, username, password string) {
	t.Helper()
	_, err := e.dir.CreateUser(context.Background(), directory.CreateUserRequest{
		Username:   username,
		DomainName: "local.test",
		Password:   password,
		CanReceive: true,
		CanLogin:   true,
	})
	if err != nil {
		t.Fatalf("addUser(%s): %v", username, err)
	}
}

func (e *testEnv) deliverMessage(t *testing.T, mailbox, subject, body string) {
	t.Helper()
	e.seq++
	date := e.clk.Now().Add(time.Duration(e.seq) * time.Minute)
	raw := fmt.Sprintf(
		"From: sender@remote.test\r\nTo: %s@local.test\r\nSubject: %s\r\nDate: %s\r\n\r\n%s\r\n",
		mailbox, subject, date.Format(time.RFC1123Z), body,
	)
	result, err := e.engine.Deliver(context.Background(), "sender@remote.test", []string{mailbox + "@local.test"}, []byte(raw))
	if err != nil || !result.Succeeded() {
		t.Fatalf("deliverMessage(%s): err=%v", mailbox, err)
	}
}

type imapTestClient struct {
	conn net.Conn
	r    *bufio.Reader
	seq  int
}

func (e *testEnv) dial(t *testing.T) *imapTestClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", e.addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", e.addr, err)
	}
	c := &imapTestClient{conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *imapTestClient) readLine() string {
	line, _ := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func (c *imapTestClient) send(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
}

func (c *imapTestClient) nextTag() string {
	c.seq++
	return fmt.Sprintf("a%03d", c.seq)
}

// cmd sends a tagged command and collects every response line up to the
// tagged completion, returning (statusLine, untaggedLines).
func (c *imapTestClient) cmd(t *testing.T, command string) (string, []string) {
	t.Helper()
	tag := c.nextTag()
	c.send(t, tag+" "+command)
	var untagged []string
	for {
		line := c.readLine()
		if strings.HasPrefix(line, tag+" ") {
			return strings.TrimPrefix(line, tag+" "), untagged
		}
		untagged = append(untagged, line)
	}
}

// mustOK runs a command and asserts an OK completion.
func (c *imapTestClient) mustOK(t *testing.T, command string) (string, []string) {
	t.Helper()
	status, untagged := c.cmd(t, command)
	if !strings.HasPrefix(status, "OK") {
		t.Fatalf("%q: status = %q (untagged: %v)", command, status, untagged)
	}
	return status, untagged
}

func (c *imapTestClient) greet(t *testing.T) string {
	t.Helper()
	line := c.readLine()
	if !strings.HasPrefix(line, "* OK") {
		t.Fatalf("greeting = %q", line)
	}
	return line
}

func (c *imapTestClient) login(t *testing.T, user, pass string) {
	t.Helper()
	c.mustOK(t, fmt.Sprintf("LOGIN %q %q", user, pass))
}

func hasLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestRoundTrip_GreetingCapability(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	greeting := c.greet(t)
	if !strings.Contains(greeting, "[CAPABILITY IMAP4rev1 STARTTLS AUTH=PLAIN]") {
		t.Errorf("greeting missing capability list: %q", greeting)
	}

	_, untagged := c.mustOK(t, "CAPABILITY")
	if !hasLine(untagged, "* CAPABILITY IMAP4rev1 STARTTLS AUTH=PLAIN") {
		t.Errorf("CAPABILITY untagged = %v", untagged)
	}
}

func TestRoundTrip_Login(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)

	if status, _ := c.cmd(t, `LOGIN "alice@local.test" "wrongpassword"`); !strings.HasPrefix(status, "NO") {
		t.Errorf("bad login status = %q", status)
	}
	c.login(t, "alice@local.test", "alicepassword")

	// LOGIN again is BAD in authenticated state.
	if status, _ := c.cmd(t, `LOGIN "alice@local.test" "alicepassword"`); !strings.HasPrefix(status, "BAD") {
		t.Errorf("second login status = %q", status)
	}
}

func TestRoundTrip_AuthenticatePlain(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)

	token := base64.StdEncoding.EncodeToString([]byte("\x00alice@local.test\x00alicepassword"))
	c.mustOK(t, "AUTHENTICATE PLAIN "+token)
	c.mustOK(t, "NOOP")
}

func TestRoundTrip_CommandsBeforeAuthRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.greet(t)

	for _, command := range []string{`SELECT INBOX`, `LIST "" "*"`, `STATUS INBOX (MESSAGES)`} {
		status, untagged := c.cmd(t, command)
		if !strings.HasPrefix(status, "NO") {
			t.Errorf("%q before auth: status = %q", command, status)
		}
		if len(untagged) != 0 {
			t.Errorf("%q before auth leaked data: %v", command, untagged)
		}
	}
}

func TestRoundTrip_SelectAfterDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "Hi", "Body line.")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")

	status, untagged := c.mustOK(t, "SELECT INBOX")
	if !strings.Contains(status, "[READ-WRITE]") {
		t.Errorf("SELECT status = %q", status)
	}
	for _, want := range []string{"* 1 EXISTS", "* 1 RECENT", "UIDVALIDITY", "UIDNEXT", `* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`} {
		if !hasLine(untagged, want) {
			t.Errorf("SELECT untagged missing %q: %v", want, untagged)
		}
	}

	status, _ = c.mustOK(t, "EXAMINE INBOX")
	if !strings.Contains(status, "[READ-ONLY]") {
		t.Errorf("EXAMINE status = %q", status)
	}
}

func TestRoundTrip_List(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")

	_, untagged := c.mustOK(t, `LIST "" "*"`)
	for _, want := range []string{`"INBOX"`, `"Sent"`, `"Drafts"`, `"Trash"`} {
		if !hasLine(untagged, want) {
			t.Errorf("LIST * missing %s: %v", want, untagged)
		}
	}

	// % does not descend into hierarchy.
	c.mustOK(t, "CREATE Projects")
	c.mustOK(t, "CREATE Projects/Go")

	_, untagged = c.mustOK(t, `LIST "" "%"`)
	if !hasLine(untagged, `"Projects"`) {
		t.Errorf("LIST %% missing Projects: %v", untagged)
	}
	if hasLine(untagged, "Projects/Go") {
		t.Errorf("LIST %% descended into hierarchy: %v", untagged)
	}

	_, untagged = c.mustOK(t, `LIST "" "Projects/*"`)
	if !hasLine(untagged, `"Projects/Go"`) {
		t.Errorf("LIST Projects/* = %v", untagged)
	}

	// Empty mailbox name returns the delimiter.
	_, untagged = c.mustOK(t, `LIST "" ""`)
	if !hasLine(untagged, `\Noselect`) {
		t.Errorf("LIST \"\" \"\" = %v", untagged)
	}
}

func TestRoundTrip_StatusCommand(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "One", "body")
	env.deliverMessage(t, "alice", "Two", "body")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")

	_, untagged := c.mustOK(t, "STATUS INBOX (MESSAGES RECENT UNSEEN UIDVALIDITY UIDNEXT)")
	if !hasLine(untagged, "MESSAGES 2") || !hasLine(untagged, "UNSEEN 2") {
		t.Errorf("STATUS untagged = %v", untagged)
	}
}

func TestRoundTrip_FetchFlagsAndBody(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "Fetchable", "The body text.")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")
	c.mustOK(t, "SELECT INBOX")

	_, untagged := c.mustOK(t, "FETCH 1 (FLAGS UID RFC822.SIZE)")
	if !hasLine(untagged, "* 1 FETCH (") || !hasLine(untagged, "UID ") {
		t.Errorf("FETCH untagged = %v", untagged)
	}

	// BODY[] returns the message and marks it \Seen.
	_, untagged = c.mustOK(t, "FETCH 1 BODY[]")
	joined := strings.Join(untagged, "\n")
	if !strings.Contains(joined, "Subject: Fetchable") || !strings.Contains(joined, "The body text.") {
		t.Errorf("FETCH BODY[] content:\n%s", joined)
	}

	_, untagged = c.mustOK(t, "FETCH 1 FLAGS")
	if !hasLine(untagged, `\Seen`) {
		t.Errorf("message not marked seen after BODY[] fetch: %v", untagged)
	}
}

func TestRoundTrip_StoreAndSearch(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "First", "body one")
	env.deliverMessage(t, "alice", "Second", "body two")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")
	c.mustOK(t, "SELECT INBOX")

	_, untagged := c.mustOK(t, `STORE 1 +FLAGS (\Flagged)`)
	if !hasLine(untagged, `\Flagged`) {
		t.Errorf("STORE response = %v", untagged)
	}

	_, untagged = c.mustOK(t, "SEARCH FLAGGED")
	if !hasLine(untagged, "* SEARCH 1") {
		t.Errorf("SEARCH FLAGGED = %v", untagged)
	}

	_, untagged = c.mustOK(t, "SEARCH SUBJECT Second")
	if !hasLine(untagged, "* SEARCH 2") {
		t.Errorf("SEARCH SUBJECT = %v", untagged)
	}

	// .SILENT suppresses the FETCH echo.
	_, untagged = c.mustOK(t, `STORE 2 +FLAGS.SILENT (\Seen)`)
	if hasLine(untagged, "FETCH") {
		t.Errorf("STORE .SILENT echoed: %v", untagged)
	}
}

func TestRoundTrip_DeleteExpunge(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "Keep", "stays")
	env.deliverMessage(t, "alice", "Remove", "goes")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")
	c.mustOK(t, "SELECT INBOX")

	c.mustOK(t, `STORE 2 +FLAGS.SILENT (\Deleted)`)
	_, untagged := c.mustOK(t, "EXPUNGE")
	if !hasLine(untagged, "* 2 EXPUNGE") {
		t.Errorf("EXPUNGE untagged = %v", untagged)
	}

	// The remaining message renumbers to a single-entry mailbox.
	_, untagged = c.mustOK(t, "SEARCH ALL")
	if !hasLine(untagged, "* SEARCH 1") || hasLine(untagged, "2") {
		t.Errorf("post-expunge SEARCH = %v", untagged)
	}
}

func TestRoundTrip_UIDFetchAndStore(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "UidTest", "body")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")
	c.mustOK(t, "SELECT INBOX")

	_, untagged := c.mustOK(t, "UID FETCH 1:* FLAGS")
	if !hasLine(untagged, "UID 1") {
		t.Errorf("UID FETCH = %v", untagged)
	}

	_, untagged = c.mustOK(t, `UID STORE 1 +FLAGS (\Answered)`)
	if !hasLine(untagged, `\Answered`) || !hasLine(untagged, "UID 1") {
		t.Errorf("UID STORE = %v", untagged)
	}

	_, untagged = c.mustOK(t, "UID SEARCH ANSWERED")
	if !hasLine(untagged, "* SEARCH 1") {
		t.Errorf("UID SEARCH = %v", untagged)
	}
}

func TestRoundTrip_Append(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")

	msg := "From: alice@local.test\r\nTo: bob@remote.test\r\nSubject: Appended\r\n\r\nDraft body.\r\n"
	tag := c.nextTag()
	c.send(t, fmt.Sprintf(`%s APPEND Drafts (\Draft \Seen) {%d}`, tag, len(msg)))
	if line := c.readLine(); !strings.HasPrefix(line, "+ ") {
		t.Fatalf("expected continuation, got %q", line)
	}
	if _, err := c.conn.Write([]byte(msg + "\r\n")); err != nil {
		t.Fatalf("writing literal: %v", err)
	}

	var status string
	for {
		line := c.readLine()
		if strings.HasPrefix(line, tag+" ") {
			status = strings.TrimPrefix(line, tag+" ")
			break
		}
	}
	if !strings.HasPrefix(status, "OK") || !strings.Contains(status, "[APPENDUID ") {
		t.Fatalf("APPEND status = %q", status)
	}

	// The appended message is there with its flags.
	_, untagged := c.mustOK(t, "SELECT Drafts")
	if !hasLine(untagged, "* 1 EXISTS") {
		t.Errorf("Drafts after APPEND = %v", untagged)
	}
	_, untagged = c.mustOK(t, "FETCH 1 FLAGS")
	if !hasLine(untagged, `\Draft`) || !hasLine(untagged, `\Seen`) {
		t.Errorf("appended flags = %v", untagged)
	}
}

func TestRoundTrip_NoopReportsNewMail(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "One", "body")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")
	c.mustOK(t, "SELECT INBOX")

	// Nothing new: NOOP stays quiet.
	_, untagged := c.mustOK(t, "NOOP")
	if hasLine(untagged, "EXISTS") {
		t.Errorf("NOOP with no changes emitted: %v", untagged)
	}

	// New delivery while selected shows up at the next command boundary.
	env.deliverMessage(t, "alice", "Two", "body")
	_, untagged = c.mustOK(t, "NOOP")
	if !hasLine(untagged, "* 2 EXISTS") {
		t.Errorf("NOOP after delivery = %v", untagged)
	}
}

func TestRoundTrip_ExamineIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "Protected", "body")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")
	c.mustOK(t, "EXAMINE INBOX")

	if status, _ := c.cmd(t, `STORE 1 +FLAGS (\Deleted)`); !strings.HasPrefix(status, "NO") {
		t.Errorf("STORE in EXAMINE mode = %q", status)
	}
	if status, _ := c.cmd(t, "EXPUNGE"); !strings.HasPrefix(status, "NO") {
		t.Errorf("EXPUNGE in EXAMINE mode = %q", status)
	}
}

func TestRoundTrip_CloseDeselects(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")
	env.deliverMessage(t, "alice", "Msg", "body")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")
	c.mustOK(t, "SELECT INBOX")
	c.mustOK(t, "CLOSE")

	if status, _ := c.cmd(t, "FETCH 1 FLAGS"); !strings.HasPrefix(status, "BAD") {
		t.Errorf("FETCH after CLOSE = %q", status)
	}
}

func TestRoundTrip_FolderLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.login(t, "alice@local.test", "alicepassword")

	c.mustOK(t, "CREATE Archive")
	_, untagged := c.mustOK(t, `LIST "" "Archive"`)
	if !hasLine(untagged, `"Archive"`) {
		t.Errorf("created folder not listed: %v", untagged)
	}

	c.mustOK(t, "RENAME Archive Attic")
	c.mustOK(t, "UNSUBSCRIBE Attic")
	_, untagged = c.mustOK(t, `LSUB "" "*"`)
	if hasLine(untagged, `"Attic"`) {
		t.Errorf("unsubscribed folder in LSUB: %v", untagged)
	}
	c.mustOK(t, "SUBSCRIBE Attic")
	c.mustOK(t, "DELETE Attic")

	if status, _ := c.cmd(t, "SELECT Attic"); !strings.HasPrefix(status, "NO") {
		t.Errorf("SELECT of deleted folder = %q", status)
	}

	// System folders refuse deletion.
	if status, _ := c.cmd(t, "DELETE INBOX"); !strings.HasPrefix(status, "NO") {
		t.Errorf("DELETE INBOX = %q", status)
	}
}

func TestRoundTrip_Logout(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.greet(t)

	status, untagged := c.cmd(t, "LOGOUT")
	if !strings.HasPrefix(status, "OK") {
		t.Errorf("LOGOUT status = %q", status)
	}
	if !hasLine(untagged, "* BYE") {
		t.Errorf("LOGOUT untagged = %v", untagged)
	}
}
