package imap

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Hafthor/frimerki/internal/message"
)

func fetchView() *message.View {
	return &message.View{
		ID:          1,
		UID:         7,
		From:        "Alice <alice@local.test>",
		To:          "bob@remote.test",
		Subject:     "Greetings",
		Size:        310,
		ReceivedAt:  time.Date(2025, 7, 29, 12, 0, 0, 0, time.UTC),
		Date:        time.Date(2025, 7, 29, 11, 0, 0, 0, time.UTC),
		Headers:     "From: Alice <alice@local.test>\r\nTo: bob@remote.test\r\nSubject: Greetings",
		Body:        "Hello there.\r\n",
		Envelope:    map[string]any{"messageId": "abc@local.test"},
		Flags:       message.Flags{Seen: true, Flagged: true},
	}
}

func TestExpandFetchItems(t *testing.T) {
	tests := []struct {
		arg  string
		want []string
	}{
		{"FLAGS", []string{"FLAGS"}},
		{"(FLAGS UID)", []string{"FLAGS", "UID"}},
		{"ALL", []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"}},
		{"FAST", []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE"}},
		{"(FAST UID)", []string{"FLAGS", "INTERNALDATE", "RFC822.SIZE", "UID"}},
	}
	for _, tt := range tests {
		got := expandFetchItems(tt.arg)
		if len(got) != len(tt.want) {
			t.Errorf("expandFetchItems(%q) = %v, want %v", tt.arg, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("expandFetchItems(%q)[%d] = %q, want %q", tt.arg, i, got[i], tt.want[i])
			}
		}
	}
}

func TestRenderFetchFlagsAndUID(t *testing.T) {
	v := fetchView()
	resp, wantSeen, err := renderFetch(v, 3, []string{"FLAGS", "UID"}, false)
	if err != nil {
		t.Fatalf("renderFetch: %v", err)
	}
	if wantSeen {
		t.Error("FLAGS fetch must not set \\Seen")
	}
	if !strings.HasPrefix(resp, "* 3 FETCH (") {
		t.Errorf("response prefix wrong: %q", resp)
	}
	for _, want := range []string{`FLAGS (\Seen \Flagged)`, "UID 7"} {
		if !strings.Contains(resp, want) {
			t.Errorf("response missing %q: %s", want, resp)
		}
	}
}

func TestRenderFetchBody(t *testing.T) {
	v := fetchView()

	// BODY[] is a literal of the raw message and implies \Seen.
	resp, wantSeen, err := renderFetch(v, 1, []string{"BODY[]"}, false)
	if err != nil {
		t.Fatalf("renderFetch: %v", err)
	}
	if !wantSeen {
		t.Error("BODY[] fetch should set \\Seen")
	}
	raw := v.Raw()
	if !strings.Contains(resp, "BODY[] {"+strconv.Itoa(len(raw))+"}\r\n"+raw) {
		t.Errorf("BODY[] literal malformed:\n%s", resp)
	}

	// BODY.PEEK[] does not touch \Seen but renders as BODY[].
	resp, wantSeen, err = renderFetch(v, 1, []string{"BODY.PEEK[]"}, false)
	if err != nil {
		t.Fatalf("renderFetch peek: %v", err)
	}
	if wantSeen {
		t.Error("BODY.PEEK[] must not set \\Seen")
	}
	if !strings.Contains(resp, "BODY[] {") {
		t.Errorf("BODY.PEEK[] should respond with BODY[]:\n%s", resp)
	}
}

func TestRenderFetchSections(t *testing.T) {
	v := fetchView()

	resp, _, err := renderFetch(v, 1, []string{"BODY.PEEK[HEADER]"}, false)
	if err != nil {
		t.Fatalf("renderFetch header: %v", err)
	}
	if !strings.Contains(resp, "Subject: Greetings") || strings.Contains(resp, "Hello there.") {
		t.Errorf("BODY[HEADER] content wrong:\n%s", resp)
	}

	resp, _, err = renderFetch(v, 1, []string{"BODY.PEEK[TEXT]"}, false)
	if err != nil {
		t.Fatalf("renderFetch text: %v", err)
	}
	if !strings.Contains(resp, "Hello there.") || strings.Contains(resp, "Subject: Greetings\r\n\r\n") {
		t.Errorf("BODY[TEXT] content wrong:\n%s", resp)
	}
}

func TestRenderFetchForceUID(t *testing.T) {
	v := fetchView()
	resp, _, err := renderFetch(v, 2, []string{"FLAGS"}, true)
	if err != nil {
		t.Fatalf("renderFetch: %v", err)
	}
	if !strings.Contains(resp, "UID 7") {
		t.Errorf("UID FETCH response missing UID item: %s", resp)
	}
}

func TestRenderFetchUnsupportedItem(t *testing.T) {
	v := fetchView()
	if _, _, err := renderFetch(v, 1, []string{"X-BOGUS"}, false); err == nil {
		t.Error("expected error for unsupported item")
	}
}

func TestRenderEnvelope(t *testing.T) {
	v := fetchView()
	env := renderEnvelope(v)
	for _, want := range []string{`"Greetings"`, `"alice" "local.test"`, `"bob" "remote.test"`, "<abc@local.test>"} {
		if !strings.Contains(env, want) {
			t.Errorf("envelope missing %q: %s", want, env)
		}
	}
	// Empty Cc renders NIL.
	if !strings.Contains(env, " NIL") {
		t.Errorf("envelope missing NIL fields: %s", env)
	}
}

func TestFlagList(t *testing.T) {
	f := message.Flags{Seen: true, Deleted: true, Custom: []string{"$Label1"}}
	got := flagList(f)
	if got != `(\Seen \Deleted $Label1)` {
		t.Errorf("flagList = %s", got)
	}
	if got := flagList(message.Flags{}); got != "()" {
		t.Errorf("empty flagList = %s", got)
	}
}
