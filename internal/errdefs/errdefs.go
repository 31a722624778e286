// Package errdefs defines the error types shared across the queue,
// playlist and format services. Operations that merely cannot proceed
// right now (wrong state, concurrency limit reached) report a plain
// false instead of an error; these types are reserved for malformed
// input and infrastructure failures.
package errdefs

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed caller input: an empty URL, a
// negative position, an unknown format preset.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// QueueError reports a queue operation that failed at the persistence
// layer. Nonexistent items and invalid transitions are not QueueErrors;
// they come back as boolean false.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue: %s: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// Queue wraps a store failure with the operation that hit it.
func Queue(op string, err error) error {
	return &QueueError{Op: op, Err: err}
}

// PlaylistError reports a playlist enumeration or batch setup failure.
// Individual download failures inside a batch are never raised; they
// are collected in the batch result.
type PlaylistError struct {
	URL string
	Msg string
	Err error
}

func (e *PlaylistError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("playlist %s: %s", e.URL, e.Msg)
	}
	return "playlist: " + e.Msg
}

func (e *PlaylistError) Unwrap() error {
	return e.Err
}

// FormatError reports a backend format retrieval failure.
type FormatError struct {
	Msg string
	Err error
}

func (e *FormatError) Error() string {
	return "format: " + e.Msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}
