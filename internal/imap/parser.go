// Package imap implements the IMAP4rev1 server protocol over the message
// and folder services.
package imap

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrEmptyCommand is returned for a blank input line.
	ErrEmptyCommand = errors.New("empty command")

	// ErrMissingCommand is returned when a line has a tag but no command.
	ErrMissingCommand = errors.New("missing command")

	// ErrUnbalanced is returned for unterminated quotes or parentheses.
	ErrUnbalanced = errors.New("unbalanced quote or parenthesis")
)

// Request is one parsed client command line.
type Request struct {
	Tag     string
	Command string
	Args    []string
}

// ParseLine splits a client line into tag, command, and arguments.
// Quoted strings have their quotes stripped; parenthesized lists are kept
// as single arguments with the parentheses intact, for the command to
// interpret. The command word is upcased.
func ParseLine(line string) (*Request, error) {
	line = strings.TrimRight(line, "\r\n")
	fields, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}
	if len(fields) == 1 {
		return nil, ErrMissingCommand
	}
	return &Request{
		Tag:     fields[0],
		Command: strings.ToUpper(fields[1]),
		Args:    fields[2:],
	}, nil
}

// tokenize splits on whitespace, honoring quoted strings and balanced
// parenthesized lists.
func tokenize(line string) ([]string, error) {
	var tokens []string
	i := 0
	n := len(line)

	for i < n {
		for i < n && line[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}

		switch line[i] {
		case '"':
			j := i + 1
			var b strings.Builder
			for j < n && line[j] != '"' {
				if line[j] == '\\' && j+1 < n {
					j++
				}
				b.WriteByte(line[j])
				j++
			}
			if j >= n {
				return nil, ErrUnbalanced
			}
			tokens = append(tokens, b.String())
			i = j + 1

		case '(':
			depth := 0
			j := i
			for j < n {
				switch line[j] {
				case '(':
					depth++
				case ')':
					depth--
				}
				j++
				if depth == 0 {
					break
				}
			}
			if depth != 0 {
				return nil, ErrUnbalanced
			}
			tokens = append(tokens, line[i:j])
			i = j

		default:
			j := i
			for j < n && line[j] != ' ' {
				j++
			}
			tokens = append(tokens, line[i:j])
			i = j
		}
	}
	return tokens, nil
}

// literalSize reports the byte count of a trailing {n} or {n+} literal
// marker, or -1 when the argument is not a literal.
func literalSize(arg string) int64 {
	if len(arg) < 3 || arg[0] != '{' || arg[len(arg)-1] != '}' {
		return -1
	}
	inner := arg[1 : len(arg)-1]
	inner = strings.TrimSuffix(inner, "+")
	size, err := strconv.ParseInt(inner, 10, 64)
	if err != nil || size < 0 {
		return -1
	}
	return size
}

// parenItems splits a parenthesized list argument into its items.
func parenItems(arg string) []string {
	arg = strings.TrimSpace(arg)
	arg = strings.TrimPrefix(arg, "(")
	arg = strings.TrimSuffix(arg, ")")
	return strings.Fields(arg)
}
