package shardedup

import (
	"fmt"
	"strings"
)

// FormatError reports a structural violation in an on-disk artifact: a
// manifest whose line counts do not match the flag store length, a flag
// file containing an unknown byte, or a malformed bucket index entry.
// It is fatal for the operation that detected it and is always raised
// before any destructive write.
type FormatError struct {
	Path string // offending file
	Msg  string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return "format: " + e.Msg
	}
	return fmt.Sprintf("format: %s: %s", e.Path, e.Msg)
}

// NewFormatError builds a FormatError for path with a printf-style message.
func NewFormatError(path, format string, args ...any) *FormatError {
	return &FormatError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// ConsistencyError reports that two artifacts that must agree no longer do,
// e.g. a content source with a different line count than its manifest
// record, or a flag cursor that did not land on the store length.
type ConsistencyError struct {
	Source   string // offending source identifier
	What     string // the quantity that disagreed, e.g. "lines"
	Expected uint64
	Actual   uint64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency: %s: expected %d %s, got %d",
		e.Source, e.Expected, e.What, e.Actual)
}

// MissingResourceError aggregates content sources that could not be
// resolved in test mode. Each item is recorded and reported at the end,
// turning into a non-zero exit status, rather than aborting on the first.
type MissingResourceError struct {
	Missing []string
}

func (e *MissingResourceError) Error() string {
	if len(e.Missing) == 1 {
		return "missing resource: " + e.Missing[0]
	}
	return fmt.Sprintf("%d missing resources: %s",
		len(e.Missing), strings.Join(e.Missing, ", "))
}
