package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/directory"
	"github.com/Hafthor/frimerki/internal/store"
)

type engineFixture struct {
	engine *Engine
	store  *store.Store
	dir    *directory.Directory
	clock  *clock.Fake
	alice  *store.User
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	s, err := store.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.CreateDomain(ctx, &store.Domain{Name: "local.test", IsActive: true}); err != nil {
		t.Fatalf("CreateDomain() error = %v", err)
	}

	clk := clock.NewFake(time.Date(2025, 7, 29, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := store.NewRouter("sqlite", s, nil)
	dir := directory.New(router, clk, logger)

	alice, err := dir.CreateUser(ctx, directory.CreateUserRequest{
		Username:   "alice",
		DomainName: "local.test",
		Password:   "secret-pw",
		CanReceive: true,
		CanLogin:   true,
	})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	blobs, err := store.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore() error = %v", err)
	}

	return &engineFixture{
		engine: NewEngine(dir, router, blobs, clk, logger),
		store:  s,
		dir:    dir,
		clock:  clk,
		alice:  alice,
	}
}

func TestDeliverToInbox(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	result, err := fx.engine.Deliver(ctx, "sender@ext.test", []string{"alice@local.test"}, []byte(simpleMessage))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !result.Succeeded() || len(result.Delivered) != 1 {
		t.Fatalf("result = %+v", result)
	}

	inbox, err := fx.store.SystemFolder(ctx, fx.alice.ID, store.SystemInbox)
	if err != nil {
		t.Fatalf("SystemFolder() error = %v", err)
	}
	if inbox.Exists != 1 || inbox.Recent != 1 || inbox.Unseen != 1 {
		t.Errorf("counters = exists %d recent %d unseen %d, want 1/1/1", inbox.Exists, inbox.Recent, inbox.Unseen)
	}
	if inbox.UIDNext != 2 {
		t.Errorf("UIDNext = %d, want 2", inbox.UIDNext)
	}

	placements, err := fx.store.UserMessagesInFolder(ctx, inbox.ID)
	if err != nil {
		t.Fatalf("UserMessagesInFolder() error = %v", err)
	}
	if len(placements) != 1 {
		t.Fatalf("placements = %d, want 1", len(placements))
	}
	um := placements[0]
	if um.UID != 1 {
		t.Errorf("UID = %d, want 1", um.UID)
	}
	msg := um.Message
	if msg.Subject != "Hello there" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.UIDValidity != 1 {
		t.Errorf("Message.UIDValidity = %d, want 1", msg.UIDValidity)
	}
	if msg.MessageSize != int64(len(simpleMessage)) {
		t.Errorf("MessageSize = %d", msg.MessageSize)
	}
	if !msg.ReceivedAt.Equal(fx.clock.Now()) {
		t.Errorf("ReceivedAt = %v, want clock now", msg.ReceivedAt)
	}

	recent, err := fx.store.HasFlag(ctx, msg.ID, fx.alice.ID, store.FlagRecent)
	if err != nil || !recent {
		t.Errorf("\\Recent flag = %v, %v; want set", recent, err)
	}
}

func TestDeliverAllRecipientsFail(t *testing.T) {
	fx := newEngineFixture(t)

	result, err := fx.engine.Deliver(context.Background(), "s@ext.test",
		[]string{"nobody@local.test", "ghost@local.test"}, []byte(simpleMessage))
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("Deliver() error = %v, want ErrNoRecipients", err)
	}
	if len(result.Failed) != 2 {
		t.Errorf("Failed = %d entries, want 2", len(result.Failed))
	}
}

func TestDeliverPartialSuccess(t *testing.T) {
	fx := newEngineFixture(t)

	result, err := fx.engine.Deliver(context.Background(), "s@ext.test",
		[]string{"alice@local.test", "nobody@local.test"}, []byte(simpleMessage))
	if err != nil {
		t.Fatalf("Deliver() error = %v, want any-recipient success", err)
	}
	if len(result.Delivered) != 1 || len(result.Failed) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestDeliverRespectsCanReceive(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	fx.alice.CanReceive = false
	if err := fx.store.UpdateUser(ctx, fx.alice); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	if _, err := fx.engine.Deliver(ctx, "s@ext.test", []string{"alice@local.test"}, []byte(simpleMessage)); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("Deliver() error = %v, want ErrNoRecipients", err)
	}
}

func TestSequentialDeliveriesGetDistinctUIDs(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := fx.engine.Deliver(ctx, "s@ext.test", []string{"alice@local.test"}, []byte(simpleMessage)); err != nil {
			t.Fatalf("Deliver() #%d error = %v", i, err)
		}
	}

	inbox, err := fx.store.SystemFolder(ctx, fx.alice.ID, store.SystemInbox)
	if err != nil {
		t.Fatalf("SystemFolder() error = %v", err)
	}
	placements, err := fx.store.UserMessagesInFolder(ctx, inbox.ID)
	if err != nil {
		t.Fatalf("UserMessagesInFolder() error = %v", err)
	}
	if len(placements) != 5 {
		t.Fatalf("placements = %d, want 5", len(placements))
	}
	seen := map[int64]bool{}
	for i, um := range placements {
		if seen[um.UID] {
			t.Errorf("duplicate UID %d", um.UID)
		}
		seen[um.UID] = true
		if um.UID >= inbox.UIDNext {
			t.Errorf("UID %d >= UIDNext %d", um.UID, inbox.UIDNext)
		}
		if i > 0 && um.UID <= placements[i-1].UID {
			t.Errorf("UIDs not increasing: %d after %d", um.UID, placements[i-1].UID)
		}
	}
	if inbox.Exists != 5 {
		t.Errorf("Exists = %d, want 5", inbox.Exists)
	}
}

func TestConcurrentDeliveriesGetDistinctUIDs(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.engine.Deliver(ctx, "s@ext.test", []string{"alice@local.test"}, []byte(simpleMessage))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}

	inbox, err := fx.store.SystemFolder(ctx, fx.alice.ID, store.SystemInbox)
	if err != nil {
		t.Fatalf("SystemFolder() error = %v", err)
	}
	placements, err := fx.store.UserMessagesInFolder(ctx, inbox.ID)
	if err != nil {
		t.Fatalf("UserMessagesInFolder() error = %v", err)
	}
	if len(placements) != n {
		t.Fatalf("placements = %d, want %d", len(placements), n)
	}
	seen := map[int64]bool{}
	for _, um := range placements {
		if seen[um.UID] {
			t.Errorf("duplicate UID %d", um.UID)
		}
		seen[um.UID] = true
		if um.UID >= inbox.UIDNext {
			t.Errorf("UID %d >= UIDNext %d", um.UID, inbox.UIDNext)
		}
	}
	if inbox.Exists != n {
		t.Errorf("Exists = %d, want %d", inbox.Exists, n)
	}
}

func TestDeliverCatchAll(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	if err := fx.dir.SetCatchAll(ctx, "local.test", &fx.alice.ID); err != nil {
		t.Fatalf("SetCatchAll() error = %v", err)
	}

	if _, err := fx.engine.Deliver(ctx, "s@ext.test", []string{"anything@local.test"}, []byte(simpleMessage)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	inbox, err := fx.store.SystemFolder(ctx, fx.alice.ID, store.SystemInbox)
	if err != nil {
		t.Fatalf("SystemFolder() error = %v", err)
	}
	if inbox.Exists != 1 {
		t.Errorf("Exists = %d, want catch-all delivery to land in alice's inbox", inbox.Exists)
	}
}

func TestDeliverStoresAttachments(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	raw := "From: s@ext.test\r\n" +
		"Subject: With file\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"BOUND\"\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"\r\n" +
		"%PDF-fake\r\n" +
		"--BOUND--\r\n"

	if _, err := fx.engine.Deliver(ctx, "s@ext.test", []string{"alice@local.test"}, []byte(raw)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	inbox, _ := fx.store.SystemFolder(ctx, fx.alice.ID, store.SystemInbox)
	placements, _ := fx.store.UserMessagesInFolder(ctx, inbox.ID)
	if len(placements) != 1 {
		t.Fatalf("placements = %d", len(placements))
	}

	atts, err := fx.store.AttachmentsByMessage(ctx, placements[0].MessageID)
	if err != nil {
		t.Fatalf("AttachmentsByMessage() error = %v", err)
	}
	if len(atts) != 1 {
		t.Fatalf("attachments = %d, want 1", len(atts))
	}
	if atts[0].Filename != "report.pdf" || atts[0].FileExtension != ".pdf" {
		t.Errorf("attachment = %+v", atts[0])
	}
	if atts[0].FilePath == "" {
		t.Error("FilePath empty")
	}
}
