package imap

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Hafthor/frimerki/internal/message"
)

// searchDateLayout is the date-only format of RFC 3501 search keys.
const searchDateLayout = "2-Jan-2006"

// matcher evaluates one search criterion against a message.
type matcher func(seq int64, v *message.View) bool

// flagMatcher adapts a flag predicate into a matcher.
func flagMatcher(pred func(f message.Flags) bool) matcher {
	return func(_ int64, v *message.View) bool { return pred(v.Flags) }
}

// parseSearchProgram parses the full criteria list. Multiple top-level
// criteria are ANDed.
func parseSearchProgram(args []string, mb *Mailbox) (matcher, error) {
	p := &searchParser{args: args, mb: mb}
	var all []matcher
	for !p.done() {
		m, err := p.next()
		if err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	if len(all) == 0 {
		return func(int64, *message.View) bool { return true }, nil
	}
	return func(seq int64, v *message.View) bool {
		for _, m := range all {
			if !m(seq, v) {
				return false
			}
		}
		return true
	}, nil
}

type searchParser struct {
	args []string
	pos  int
	mb   *Mailbox
}

func (p *searchParser) done() bool {
	return p.pos >= len(p.args)
}

func (p *searchParser) take() (string, error) {
	if p.done() {
		return "", fmt.Errorf("incomplete search criteria")
	}
	arg := p.args[p.pos]
	p.pos++
	return arg, nil
}

// next parses one criterion, consuming its operands.
func (p *searchParser) next() (matcher, error) {
	key, err := p.take()
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(key) {
	case "ALL":
		return func(int64, *message.View) bool { return true }, nil
	case "ANSWERED":
		return flagMatcher(func(f message.Flags) bool { return f.Answered }), nil
	case "UNANSWERED":
		return flagMatcher(func(f message.Flags) bool { return !f.Answered }), nil
	case "DELETED":
		return flagMatcher(func(f message.Flags) bool { return f.Deleted }), nil
	case "UNDELETED":
		return flagMatcher(func(f message.Flags) bool { return !f.Deleted }), nil
	case "DRAFT":
		return flagMatcher(func(f message.Flags) bool { return f.Draft }), nil
	case "UNDRAFT":
		return flagMatcher(func(f message.Flags) bool { return !f.Draft }), nil
	case "FLAGGED":
		return flagMatcher(func(f message.Flags) bool { return f.Flagged }), nil
	case "UNFLAGGED":
		return flagMatcher(func(f message.Flags) bool { return !f.Flagged }), nil
	case "SEEN":
		return flagMatcher(func(f message.Flags) bool { return f.Seen }), nil
	case "UNSEEN":
		return flagMatcher(func(f message.Flags) bool { return !f.Seen }), nil
	case "RECENT", "NEW":
		return flagMatcher(func(f message.Flags) bool { return f.Recent }), nil
	case "OLD":
		return flagMatcher(func(f message.Flags) bool { return !f.Recent }), nil

	case "FROM":
		return p.textField(func(v *message.View) string { return v.From })
	case "TO":
		return p.textField(func(v *message.View) string { return v.To })
	case "CC":
		return p.textField(func(v *message.View) string { return v.Cc })
	case "SUBJECT":
		return p.textField(func(v *message.View) string { return v.Subject })
	case "BODY":
		return p.textField(func(v *message.View) string { return v.Body })
	case "TEXT":
		return p.textField(func(v *message.View) string { return v.Raw() })

	case "LARGER":
		n, err := p.takeNumber()
		if err != nil {
			return nil, err
		}
		return func(_ int64, v *message.View) bool { return v.Size > n }, nil
	case "SMALLER":
		n, err := p.takeNumber()
		if err != nil {
			return nil, err
		}
		return func(_ int64, v *message.View) bool { return v.Size < n }, nil

	case "SINCE":
		day, err := p.takeDate()
		if err != nil {
			return nil, err
		}
		return func(_ int64, v *message.View) bool { return !v.ReceivedAt.Before(day) }, nil
	case "BEFORE":
		day, err := p.takeDate()
		if err != nil {
			return nil, err
		}
		return func(_ int64, v *message.View) bool { return v.ReceivedAt.Before(day) }, nil
	case "ON":
		day, err := p.takeDate()
		if err != nil {
			return nil, err
		}
		next := day.AddDate(0, 0, 1)
		return func(_ int64, v *message.View) bool {
			return !v.ReceivedAt.Before(day) && v.ReceivedAt.Before(next)
		}, nil

	case "UID":
		arg, err := p.take()
		if err != nil {
			return nil, err
		}
		set, err := ParseSeqSet(arg, p.mb.MaxUID())
		if err != nil {
			return nil, err
		}
		return func(_ int64, v *message.View) bool { return set.Contains(v.UID) }, nil

	case "NOT":
		inner, err := p.next()
		if err != nil {
			return nil, err
		}
		return func(seq int64, v *message.View) bool { return !inner(seq, v) }, nil

	case "OR":
		left, err := p.next()
		if err != nil {
			return nil, err
		}
		right, err := p.next()
		if err != nil {
			return nil, err
		}
		return func(seq int64, v *message.View) bool { return left(seq, v) || right(seq, v) }, nil

	default:
		// A bare sequence set selects by sequence number.
		set, err := ParseSeqSet(key, p.mb.MaxSeq())
		if err != nil {
			return nil, fmt.Errorf("unknown search key %q", key)
		}
		return func(seq int64, _ *message.View) bool { return set.Contains(seq) }, nil
	}
}

func (p *searchParser) textField(field func(*message.View) string) (matcher, error) {
	needle, err := p.take()
	if err != nil {
		return nil, err
	}
	needle = strings.ToLower(needle)
	return func(_ int64, v *message.View) bool {
		return strings.Contains(strings.ToLower(field(v)), needle)
	}, nil
}

func (p *searchParser) takeNumber() (int64, error) {
	arg, err := p.take()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", arg)
	}
	return n, nil
}

func (p *searchParser) takeDate() (time.Time, error) {
	arg, err := p.take()
	if err != nil {
		return time.Time{}, err
	}
	day, err := time.Parse(searchDateLayout, arg)
	if err != nil {
		// Two-digit day form.
		day, err = time.Parse("02-Jan-2006", arg)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q", arg)
	}
	return day, nil
}
