// Round-trip integration tests for the SMTP server: full stack over a
// real TCP connection, verified against the message store.
package smtp_test

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
	"github.com/Hafthor/frimerki/internal/message"
	"github.com/Hafthor/frimerki/internal/metrics"
	"github.com/Hafthor/frimerki/internal/server"
	"github.com/Hafthor/frimerki/internal/smtp"
	"github.com/Hafthor/frimerki/internal/store"
)

type testEnv struct {
	addr string
	dir  *directory.Directory
	svc  *message.Service
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
	authenticator := auth.NewAuthenticator(router, auth.DefaultLockoutPolicy(), clk, logger)

	handler := smtp.Handler(smtp.Config{
		Hostname:       "mail.local.test",
		AuthProvider:   authenticator,
		Backend:        engine,
		Collector:      &metrics.NoopCollector{},
		MaxMessageSize: 64 * 1024,
	})

	listener := server.NewListener(server.ListenerConfig{
		Protocol:       "smtp",
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

	return &testEnv{addr: listener.Addr().String(), dir: dir, svc: svc}
}

func (e *testEnv) addUser(t *testing.T, username, password string) *store.User {
	t.Helper()
	u, err := e.dir.CreateUser(context.Background(), directory.CreateUserRequest{
		Username:   username,
		DomainName: "local.test",
		Password:   password,
		CanReceive: true,
		CanLogin:   true,
	})
	if err != nil {
		t.Fatalf("addUser(%s): %v", username, err)
	}
	return u
}

// inboxSubjects lists the user's INBOX subjects, oldest first.
func (e *testEnv) inboxSubjects(t *testing.T, user *store.User) []string {
	t.Helper()
	page, err := e.svc.List(context.Background(), user, message.ListOptions{
		Folder:    store.SystemInbox,
		SortBy:    "date",
		SortOrder: "asc",
		Take:      50,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var subjects []string
	for _, v := range page.Items {
		subjects = append(subjects, v.Subject)
	}
	return subjects
}

type smtpTestClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func (e *testEnv) dial(t *testing.T) *smtpTestClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", e.addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", e.addr, err)
	}
	c := &smtpTestClient{conn: conn, r: bufio.NewReader(conn)}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *smtpTestClient) readLine() string {
	line, _ := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

// readReply reads a (possibly multi-line) reply and returns the code and
// all lines.
func (c *smtpTestClient) readReply() (code string, lines []string) {
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			if len(line) >= 3 {
				code = line[:3]
			}
			return code, lines
		}
	}
}

func (c *smtpTestClient) send(t *testing.T, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		t.Fatalf("send %q: %v", line, err)
	}
}

// cmd sends a command and asserts the reply code.
func (c *smtpTestClient) cmd(t *testing.T, line, wantCode string) []string {
	t.Helper()
	c.send(t, line)
	code, lines := c.readReply()
	if code != wantCode {
		t.Fatalf("%q: reply code = %s, want %s (reply: %v)", line, code, wantCode, lines)
	}
	return lines
}

func (c *smtpTestClient) greet(t *testing.T) {
	t.Helper()
	code, lines := c.readReply()
	if code != "220" {
		t.Fatalf("greeting code = %s (%v)", code, lines)
	}
}

// sendMessage runs a full MAIL/RCPT/DATA exchange and returns the final
// reply code after the terminating dot.
func (c *smtpTestClient) sendMessage(t *testing.T, from string, recipients []string, body string) string {
	t.Helper()
	c.cmd(t, fmt.Sprintf("MAIL FROM:<%s>", from), "250")
	for _, rcpt := range recipients {
		c.cmd(t, fmt.Sprintf("RCPT TO:<%s>", rcpt), "250")
	}
	c.cmd(t, "DATA", "354")
	for _, line := range strings.Split(body, "\r\n") {
		c.send(t, line)
	}
	c.send(t, ".")
	code, _ := c.readReply()
	return code
}

func testMessage(to, subject, body string) string {
	return fmt.Sprintf(
		"From: sender@remote.test\r\nTo: %s\r\nSubject: %s\r\nDate: Mon, 29 Jul 2025 12:00:00 +0000\r\n\r\n%s",
		to, subject, body,
	)
}

func TestRoundTrip_HeloEhlo(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.greet(t)

	lines := c.cmd(t, "HELO client.example", "250")
	if !strings.Contains(lines[0], "Hello") {
		t.Errorf("HELO reply = %v", lines)
	}

	lines = c.cmd(t, "EHLO client.example", "250")
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"AUTH PLAIN LOGIN", "8BITMIME", "ENHANCEDSTATUSCODES"} {
		if !strings.Contains(joined, want) {
			t.Errorf("EHLO reply missing %q:\n%s", want, joined)
		}
	}
	c.cmd(t, "QUIT", "221")
}

func TestRoundTrip_DeliverToInbox(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	code := c.sendMessage(t, "sender@remote.test", []string{"alice@local.test"},
		testMessage("alice@local.test", "Hi", "Body line."))
	if code != "250" {
		t.Fatalf("DATA final code = %s, want 250", code)
	}
	c.cmd(t, "QUIT", "221")

	subjects := env.inboxSubjects(t, alice)
	if len(subjects) != 1 || subjects[0] != "Hi" {
		t.Errorf("INBOX subjects = %v, want [Hi]", subjects)
	}
}

func TestRoundTrip_MultipleRecipients(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "alice", "alicepassword")
	bob := env.addUser(t, "bob", "bobpassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	code := c.sendMessage(t, "sender@remote.test",
		[]string{"alice@local.test", "bob@local.test"},
		testMessage("alice@local.test, bob@local.test", "Both", "For both of you."))
	if code != "250" {
		t.Fatalf("DATA final code = %s, want 250", code)
	}

	if got := env.inboxSubjects(t, alice); len(got) != 1 {
		t.Errorf("alice INBOX = %v", got)
	}
	if got := env.inboxSubjects(t, bob); len(got) != 1 {
		t.Errorf("bob INBOX = %v", got)
	}
}

func TestRoundTrip_PartialFailureStillAccepts(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	// RCPT accepts the unknown recipient; rejection is deferred to DATA,
	// and one good recipient is enough for 250.
	code := c.sendMessage(t, "sender@remote.test",
		[]string{"alice@local.test", "nobody@local.test"},
		testMessage("alice@local.test", "Partial", "body"))
	if code != "250" {
		t.Fatalf("DATA final code = %s, want 250", code)
	}

	if got := env.inboxSubjects(t, alice); len(got) != 1 {
		t.Errorf("alice INBOX = %v", got)
	}
}

func TestRoundTrip_AllRecipientsFail(t *testing.T) {
	env := newTestEnv(t)

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	code := c.sendMessage(t, "sender@remote.test", []string{"nobody@local.test"},
		testMessage("nobody@local.test", "Bounce", "body"))
	if code != "550" {
		t.Errorf("DATA final code = %s, want 550", code)
	}
}

func TestRoundTrip_DotStuffingReversed(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	// The wire form "..foo" must land as ".foo" in the stored body.
	c.cmd(t, "MAIL FROM:<sender@remote.test>", "250")
	c.cmd(t, "RCPT TO:<alice@local.test>", "250")
	c.cmd(t, "DATA", "354")
	for _, line := range []string{
		"From: sender@remote.test",
		"To: alice@local.test",
		"Subject: Dots",
		"Date: Mon, 29 Jul 2025 12:00:00 +0000",
		"",
		"before",
		"..foo",
		"after",
	} {
		c.send(t, line)
	}
	c.send(t, ".")
	if code, _ := c.readReply(); code != "250" {
		t.Fatalf("DATA final code = %s", code)
	}

	page, err := env.svc.List(context.Background(), alice, message.ListOptions{Folder: store.SystemInbox, Take: 1})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("List: err=%v items=%d", err, len(page.Items))
	}
	view, err := env.svc.Get(context.Background(), alice, page.Items[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(view.Body, ".foo") || strings.Contains(view.Body, "..foo") {
		t.Errorf("stored body dot-stuffing not reversed:\n%s", view.Body)
	}
}

func TestRoundTrip_CommandOrdering(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.greet(t)

	// MAIL before HELO.
	c.cmd(t, "MAIL FROM:<a@b.test>", "503")

	c.cmd(t, "EHLO client.example", "250")

	// RCPT before MAIL.
	c.cmd(t, "RCPT TO:<alice@local.test>", "503")
	// DATA before RCPT.
	c.cmd(t, "DATA", "503")

	c.cmd(t, "MAIL FROM:<a@b.test>", "250")
	// Nested MAIL.
	c.cmd(t, "MAIL FROM:<c@d.test>", "503")

	// RSET clears the envelope.
	c.cmd(t, "RSET", "250")
	c.cmd(t, "RCPT TO:<alice@local.test>", "503")

	c.cmd(t, "QUIT", "221")
}

func TestRoundTrip_UnknownCommand(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "XFROB", "500")
	c.cmd(t, "NOOP", "250")
	lines := c.cmd(t, "HELP", "214")
	if len(lines) < 2 {
		t.Errorf("HELP reply too short: %v", lines)
	}
}

func TestRoundTrip_AuthPlain_Inline(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	token := base64.StdEncoding.EncodeToString([]byte("\x00alice@local.test\x00alicepassword"))
	c.cmd(t, "AUTH PLAIN "+token, "235")

	// Second AUTH is rejected.
	c.cmd(t, "AUTH PLAIN "+token, "503")
	c.cmd(t, "QUIT", "221")
}

func TestRoundTrip_AuthPlain_WrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	token := base64.StdEncoding.EncodeToString([]byte("\x00alice@local.test\x00wrongpassword"))
	c.cmd(t, "AUTH PLAIN "+token, "535")
}

func TestRoundTrip_AuthLogin(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	c.send(t, "AUTH LOGIN")
	if line := c.readLine(); line != "334 VXNlcm5hbWU6" {
		t.Fatalf("username challenge = %q", line)
	}
	c.send(t, base64.StdEncoding.EncodeToString([]byte("alice@local.test")))
	if line := c.readLine(); line != "334 UGFzc3dvcmQ6" {
		t.Fatalf("password challenge = %q", line)
	}
	c.send(t, base64.StdEncoding.EncodeToString([]byte("alicepassword")))
	if code, lines := c.readReply(); code != "235" {
		t.Fatalf("AUTH LOGIN final = %s (%v)", code, lines)
	}
	c.cmd(t, "QUIT", "221")
}

func TestRoundTrip_AuthLogin_Cancelled(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")

	c.send(t, "AUTH LOGIN")
	c.readLine() // username challenge
	c.send(t, "*")
	if code, _ := c.readReply(); code != "501" {
		t.Errorf("cancelled AUTH code = %s, want 501", code)
	}
	// Session continues normally.
	c.cmd(t, "NOOP", "250")
}

func TestRoundTrip_AuthUnsupportedMechanism(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")
	c.cmd(t, "AUTH CRAM-MD5", "504")
}

func TestRoundTrip_MessageTooLarge(t *testing.T) {
	env := newTestEnv(t)
	alice := env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")
	c.cmd(t, "MAIL FROM:<sender@remote.test>", "250")
	c.cmd(t, "RCPT TO:<alice@local.test>", "250")
	c.cmd(t, "DATA", "354")

	// Exceed the 64 KiB limit.
	filler := strings.Repeat("x", 1000)
	for i := 0; i < 70; i++ {
		c.send(t, filler)
	}
	c.send(t, ".")
	if code, _ := c.readReply(); code != "552" {
		t.Errorf("oversized DATA code = %s, want 552", code)
	}

	// Session survives and the message was not delivered.
	c.cmd(t, "NOOP", "250")
	c.cmd(t, "QUIT", "221")
	if got := env.inboxSubjects(t, alice); len(got) != 0 {
		t.Errorf("oversized message delivered: %v", got)
	}
}

func TestRoundTrip_EmptyReversePathAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "alice", "alicepassword")

	c := env.dial(t)
	c.greet(t)
	c.cmd(t, "EHLO client.example", "250")
	// Bounce messages use the null reverse-path.
	c.cmd(t, "MAIL FROM:<>", "250")
	c.cmd(t, "RCPT TO:<alice@local.test>", "250")
	c.cmd(t, "QUIT", "221")
}
