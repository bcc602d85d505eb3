// Package delivery parses inbound RFC 5322 messages and lands them in
// local mailboxes.
package delivery

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParsedMessage is the structured view of one raw message.
type ParsedMessage struct {
	HeaderMessageID string
	From            string
	To              string
	Cc              string
	Bcc             string
	Subject         string
	HeadersBlock    string
	TextBody        string
	HTMLBody        string
	SentDate        *time.Time
	InReplyTo       string
	References      string
	Envelope        string
	BodyStructure   string
	Size            int64
	Attachments     []ParsedAttachment
}

// ParsedAttachment is one decoded attachment part.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Extension returns the attachment's filename extension, dot included.
func (a *ParsedAttachment) Extension() string {
	return filepath.Ext(a.Filename)
}

type envelope struct {
	Date      string `json:"date,omitempty"`
	Subject   string `json:"subject,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Cc        string `json:"cc,omitempty"`
	Bcc       string `json:"bcc,omitempty"`
	InReplyTo string `json:"inReplyTo,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

type bodyStructure struct {
	ContentType string          `json:"contentType"`
	Size        int64           `json:"size"`
	Parts       []bodyStructure `json:"parts,omitempty"`
}

// ParseMessage parses raw RFC 5322 bytes. MIME multiparts are walked for
// the text and HTML bodies plus attachments. A message that cannot be
// parsed structurally still yields its headers block and raw body.
func ParseMessage(raw []byte) *ParsedMessage {
	p := &ParsedMessage{
		HeadersBlock: HeadersBlock(raw),
		Size:         int64(len(raw)),
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) || entity == nil {
		// Structural parse failure: keep the raw body as text.
		p.TextBody = rawBody(raw)
		p.BodyStructure = mustJSON(bodyStructure{ContentType: "text/plain", Size: p.Size})
		p.Envelope = mustJSON(envelope{})
		return p
	}

	hdr := mail.Header{Header: entity.Header}
	p.From = entity.Header.Get("From")
	p.To = entity.Header.Get("To")
	p.Cc = entity.Header.Get("Cc")
	p.Bcc = entity.Header.Get("Bcc")
	p.InReplyTo = entity.Header.Get("In-Reply-To")
	p.References = entity.Header.Get("References")
	p.HeaderMessageID = strings.Trim(entity.Header.Get("Message-Id"), "<>")

	if subject, err := hdr.Subject(); err == nil {
		p.Subject = subject
	} else {
		p.Subject = entity.Header.Get("Subject")
	}
	if date, err := hdr.Date(); err == nil && !date.IsZero() {
		p.SentDate = &date
	}

	ct, _, err := entity.Header.ContentType()
	if err != nil {
		ct = "text/plain"
	}
	bs := bodyStructure{ContentType: ct, Size: p.Size}
	walkEntity(entity, p, &bs)

	p.Envelope = mustJSON(envelope{
		Date:      entity.Header.Get("Date"),
		Subject:   p.Subject,
		From:      p.From,
		To:        p.To,
		Cc:        p.Cc,
		Bcc:       p.Bcc,
		InReplyTo: p.InReplyTo,
		MessageID: p.HeaderMessageID,
	})
	p.BodyStructure = mustJSON(bs)
	return p
}

func walkEntity(e *message.Entity, p *ParsedMessage, bs *bodyStructure) {
	mr := e.MultipartReader()
	if mr == nil {
		body, err := io.ReadAll(e.Body)
		if err != nil {
			return
		}
		ct, params, err := e.Header.ContentType()
		if err != nil {
			ct = "text/plain"
		}

		disp, dispParams, _ := e.Header.ContentDisposition()
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}
		if disp == "attachment" || filename != "" {
			p.Attachments = append(p.Attachments, ParsedAttachment{
				Filename:    filename,
				ContentType: ct,
				Data:        body,
			})
			return
		}

		switch {
		case strings.EqualFold(ct, "text/html"):
			if p.HTMLBody == "" {
				p.HTMLBody = string(body)
			}
		default:
			if p.TextBody == "" {
				p.TextBody = string(body)
			}
		}
		return
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			return
		}
		ct, _, ctErr := part.Header.ContentType()
		if ctErr != nil {
			ct = "text/plain"
		}
		child := bodyStructure{ContentType: ct}
		walkEntity(part, p, &child)
		bs.Parts = append(bs.Parts, child)
	}
}

// HeadersBlock extracts the source lines up to the first blank line,
// normalized to CRLF line endings.
func HeadersBlock(raw []byte) string {
	var b strings.Builder
	for _, line := range splitLines(raw) {
		if len(line) == 0 {
			break
		}
		b.Write(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

func rawBody(raw []byte) string {
	lines := splitLines(raw)
	for i, line := range lines {
		if len(line) == 0 {
			var b strings.Builder
			for _, l := range lines[i+1:] {
				b.Write(l)
				b.WriteString("\r\n")
			}
			return b.String()
		}
	}
	return ""
}

// splitLines splits on LF, dropping any trailing CR per line, so both LF
// and CRLF input normalize identically.
func splitLines(raw []byte) [][]byte {
	lines := bytes.Split(raw, []byte("\n"))
	if len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = bytes.TrimSuffix(line, []byte("\r"))
	}
	return lines
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ExtensionForContentType maps a MIME type to a filename extension for
// attachments that arrive without a usable filename.
func ExtensionForContentType(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
