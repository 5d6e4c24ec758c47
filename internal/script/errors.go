package script

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an extraction failure.
type ErrorKind string

const (
	DisallowedConstruct ErrorKind = "disallowed_construct"
	NoValidScript       ErrorKind = "no_valid_script"
)

var (
	ErrDisallowedConstruct = errors.New("script uses a disallowed construct")
	ErrNoValidScript       = errors.New("no valid script in provider response")
)

// Error is returned when no candidate can be accepted.
type Error struct {
	Kind ErrorKind
	// Construct names the offending construct, e.g. "os.system" or "import os".
	Construct string
	Line      int
	// RawText is the first candidate as received, for display.
	RawText string
	// Reasons lists why each candidate was rejected, in candidate order.
	Reasons []string
}

func (e *Error) Error() string {
	if e.Kind == DisallowedConstruct {
		if e.Line > 0 {
			return fmt.Sprintf("disallowed construct %q at line %d", e.Construct, e.Line)
		}
		return fmt.Sprintf("disallowed construct %q", e.Construct)
	}
	if len(e.Reasons) == 0 {
		return ErrNoValidScript.Error()
	}
	return fmt.Sprintf("%s: %s", ErrNoValidScript.Error(), strings.Join(e.Reasons, "; "))
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDisallowedConstruct:
		return e.Kind == DisallowedConstruct
	case ErrNoValidScript:
		return e.Kind == NoValidScript
	}
	return false
}

// Snippet returns at most n characters of the raw first candidate.
func (e *Error) Snippet(n int) string {
	runes := []rune(e.RawText)
	if len(runes) <= n {
		return e.RawText
	}
	return string(runes[:n]) + "..."
}
