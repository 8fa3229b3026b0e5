// Package errorutil holds the sentinel error type shared by the event core packages.
package errorutil

import (
	"errors"
	"fmt"
)

// Error is a string type that implements the error interface.
// Packages declare their sentinels as constants of this type.
type Error string

func (s Error) Error() string { return string(s) }

// NewWrapperError creates or wraps an error with a sentinel error.
// It supports multiple argument patterns:
//   - No args: returns sentinel
//   - error arg: wraps with sentinel (unless already wrapped)
//   - string arg: formats as message with sentinel
//   - string + args: formats with Sprintf then wraps with sentinel
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v
		}
		return fmt.Errorf("%w: %w", sentinel, v)
	case string:
		if len(args) == 1 {
			return fmt.Errorf("%w: %s", sentinel, v)
		}
		return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(v, args[1:]...))
	default:
		return sentinel
	}
}

// Reason returns the first sentinel from candidates that err matches, or "other".
// It is used to label errors in logs and metrics.
func Reason(err error, candidates ...Error) string {
	for _, c := range candidates {
		if errors.Is(err, c) {
			return string(c)
		}
	}
	return "other"
}
