package tagcache

import (
	"errors"
	"fmt"
)

// ErrTagNotCached is returned by reads before any value has been recorded
// for the tag. Callers must tolerate it at startup, before the first poll
// completes.
var ErrTagNotCached = errors.New("tag not cached")

// ValidationError reports a proposed write that violates the tag's access,
// type, range, option, or speed constraints. Validation failures never
// reach the hardware client.
type ValidationError struct {
	Tag    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid write to %s: %s", e.Tag, e.Reason)
}

func validationErr(tag, format string, args ...any) *ValidationError {
	return &ValidationError{Tag: tag, Reason: fmt.Sprintf(format, args...)}
}
