package tree

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every operation after the tree has been closed
	ErrClosed = errors.New("tree closed")
	// ErrInvalidPath is returned for paths with empty segments or reserved characters
	ErrInvalidPath = errors.New("invalid path")
)

// SubscriptionError is the terminal failure of a live read
type SubscriptionError struct {
	Path string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription to %q failed: %v", e.Path, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// WriteError is returned when a set, update or remove could not be committed.
// The tree is left unchanged.
type WriteError struct {
	Op   string
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
