package imap

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadSequenceSet is returned for a malformed sequence-set argument.
var ErrBadSequenceSet = errors.New("malformed sequence set")

type seqRange struct {
	lo, hi int64
}

// SeqSet is a parsed IMAP sequence set ("1:5,7,10:*").
type SeqSet struct {
	ranges []seqRange
}

// ParseSeqSet parses a sequence-set, resolving "*" to max. A range with
// both ends "*" collapses to max:max. Ranges given backwards are
// normalized.
func ParseSeqSet(spec string, max int64) (*SeqSet, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, ErrBadSequenceSet
	}

	set := &SeqSet{}
	for _, part := range strings.Split(spec, ",") {
		lo, hi, err := parseRange(part, max)
		if err != nil {
			return nil, err
		}
		set.ranges = append(set.ranges, seqRange{lo: lo, hi: hi})
	}
	return set, nil
}

func parseRange(part string, max int64) (int64, int64, error) {
	lo, hi := part, part
	if i := strings.IndexByte(part, ':'); i >= 0 {
		lo, hi = part[:i], part[i+1:]
	}
	loN, err := parseSeqNumber(lo, max)
	if err != nil {
		return 0, 0, err
	}
	hiN, err := parseSeqNumber(hi, max)
	if err != nil {
		return 0, 0, err
	}
	if loN > hiN {
		loN, hiN = hiN, loN
	}
	return loN, hiN, nil
}

func parseSeqNumber(s string, max int64) (int64, error) {
	if s == "*" {
		if max < 1 {
			// "*" in an empty mailbox matches nothing; 0 never matches.
			return 0, nil
		}
		return max, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, ErrBadSequenceSet
	}
	return n, nil
}

// Contains reports whether n is in the set.
func (s *SeqSet) Contains(n int64) bool {
	for _, r := range s.ranges {
		if n >= r.lo && n <= r.hi {
			return true
		}
	}
	return false
}
