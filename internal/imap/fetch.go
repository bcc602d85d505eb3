package imap

import (
	"fmt"
	"strings"

	"github.com/Hafthor/frimerki/internal/message"
)

// internalDateLayout is the INTERNALDATE format of RFC 3501.
const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

// expandFetchItems resolves the FETCH macros and normalizes item names.
func expandFetchItems(arg string) []string {
	var items []string
	if strings.HasPrefix(arg, "(") {
		items = parenItems(arg)
	} else {
		items = []string{arg}
	}

	var out []string
	for _, item := range items {
		switch strings.ToUpper(item) {
		case "ALL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE")
		case "FAST":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE")
		case "FULL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY")
		default:
			out = append(out, item)
		}
	}
	return out
}

// renderFetch builds one untagged FETCH response for the view. wantSeen
// reports whether a non-PEEK body fetch should set \Seen afterwards.
// forceUID appends a UID item for UID FETCH responses that did not
// request one.
func renderFetch(v *message.View, seq int64, items []string, forceUID bool) (resp string, wantSeen bool, err error) {
	var parts []string
	sawUID := false

	for _, item := range items {
		upper := strings.ToUpper(item)
		switch {
		case upper == "FLAGS":
			parts = append(parts, "FLAGS "+flagList(v.Flags))

		case upper == "UID":
			sawUID = true
			parts = append(parts, fmt.Sprintf("UID %d", v.UID))

		case upper == "RFC822.SIZE":
			parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", v.Size))

		case upper == "INTERNALDATE":
			parts = append(parts, fmt.Sprintf("INTERNALDATE %q", v.ReceivedAt.Format(internalDateLayout)))

		case upper == "ENVELOPE":
			parts = append(parts, "ENVELOPE "+renderEnvelope(v))

		case upper == "RFC822":
			raw := v.Raw()
			parts = append(parts, literal("RFC822", raw))
			wantSeen = true

		case upper == "RFC822.HEADER":
			parts = append(parts, literal("RFC822.HEADER", v.Headers+"\r\n"))

		case upper == "RFC822.TEXT":
			parts = append(parts, literal("RFC822.TEXT", v.Body))
			wantSeen = true

		case upper == "BODY" || upper == "BODYSTRUCTURE":
			parts = append(parts, upper+" "+renderBodyStructure(v))

		case strings.HasPrefix(upper, "BODY.PEEK["):
			section := item[len("BODY.PEEK[") : len(item)-1]
			content, label, sErr := bodySection(v, section)
			if sErr != nil {
				return "", false, sErr
			}
			parts = append(parts, literal("BODY["+label+"]", content))

		case strings.HasPrefix(upper, "BODY["):
			section := item[len("BODY[") : len(item)-1]
			content, label, sErr := bodySection(v, section)
			if sErr != nil {
				return "", false, sErr
			}
			parts = append(parts, literal("BODY["+label+"]", content))
			wantSeen = true

		default:
			return "", false, fmt.Errorf("unsupported fetch item %q", item)
		}
	}

	if forceUID && !sawUID {
		parts = append(parts, fmt.Sprintf("UID %d", v.UID))
	}

	return fmt.Sprintf("* %d FETCH (%s)", seq, strings.Join(parts, " ")), wantSeen, nil
}

// bodySection resolves a BODY[...] section name to content.
func bodySection(v *message.View, section string) (content, label string, err error) {
	switch strings.ToUpper(section) {
	case "":
		return v.Raw(), "", nil
	case "HEADER":
		return v.Headers + "\r\n", "HEADER", nil
	case "TEXT":
		return v.Body, "TEXT", nil
	default:
		return "", "", fmt.Errorf("unsupported body section %q", section)
	}
}

// literal renders "<name> {<n>}\r\n<data>" for a string item.
func literal(name, data string) string {
	return fmt.Sprintf("%s {%d}\r\n%s", name, len(data), data)
}

// flagList renders the per-user flags as an IMAP flag list.
func flagList(f message.Flags) string {
	var flags []string
	if f.Seen {
		flags = append(flags, `\Seen`)
	}
	if f.Answered {
		flags = append(flags, `\Answered`)
	}
	if f.Flagged {
		flags = append(flags, `\Flagged`)
	}
	if f.Deleted {
		flags = append(flags, `\Deleted`)
	}
	if f.Draft {
		flags = append(flags, `\Draft`)
	}
	if f.Recent {
		flags = append(flags, `\Recent`)
	}
	flags = append(flags, f.Custom...)
	return "(" + strings.Join(flags, " ") + ")"
}

// renderEnvelope builds the parenthesized ENVELOPE structure from the
// stored header projections.
func renderEnvelope(v *message.View) string {
	date := "NIL"
	if !v.Date.IsZero() {
		date = quoted(v.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	}

	messageID := "NIL"
	if v.Envelope != nil {
		if id, ok := v.Envelope["messageId"].(string); ok && id != "" {
			messageID = quoted("<" + strings.Trim(id, "<>") + ">")
		}
	}

	return fmt.Sprintf("(%s %s %s %s %s %s %s NIL NIL %s)",
		date,
		nilOrQuoted(v.Subject),
		addressList(v.From),
		addressList(v.From), // sender defaults to from
		addressList(v.From), // reply-to defaults to from
		addressList(v.To),
		addressList(v.Cc),
		messageID,
	)
}

// addressList renders a header address field as an IMAP address list.
// Only the mailbox@host split is modeled; display names are omitted.
func addressList(field string) string {
	field = strings.TrimSpace(field)
	if field == "" {
		return "NIL"
	}

	var entries []string
	for _, addr := range strings.Split(field, ",") {
		addr = strings.TrimSpace(addr)
		if i := strings.IndexByte(addr, '<'); i >= 0 {
			if j := strings.IndexByte(addr, '>'); j > i {
				addr = addr[i+1 : j]
			}
		}
		local, host := addr, ""
		if i := strings.LastIndexByte(addr, '@'); i >= 0 {
			local, host = addr[:i], addr[i+1:]
		}
		entries = append(entries, fmt.Sprintf("(NIL NIL %s %s)", nilOrQuoted(local), nilOrQuoted(host)))
	}
	return "(" + strings.Join(entries, " ") + ")"
}

// renderBodyStructure renders a minimal single-part BODYSTRUCTURE.
func renderBodyStructure(v *message.View) string {
	mediaType, subType := "TEXT", "PLAIN"
	if v.BodyStructure != nil {
		if ct, ok := v.BodyStructure["contentType"].(string); ok {
			if i := strings.IndexByte(ct, '/'); i >= 0 {
				mediaType = strings.ToUpper(ct[:i])
				subType = strings.ToUpper(ct[i+1:])
			}
		}
	}
	lines := strings.Count(v.Body, "\n") + 1
	return fmt.Sprintf(`(%s %s ("CHARSET" "utf-8") NIL NIL "7BIT" %d %d)`,
		quoted(mediaType), quoted(subType), len(v.Body), lines)
}

func quoted(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func nilOrQuoted(s string) string {
	if s == "" {
		return "NIL"
	}
	return quoted(s)
}
