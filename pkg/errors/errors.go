package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors the HTTP layer and collaborator clients match on.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrMeetingNotFound     = errors.New("meeting not found")
	ErrSessionLimit        = errors.New("session limit reached")
	ErrSessionClosed       = errors.New("bot session closed")
	ErrNoAudioPath         = errors.New("no audio path available")
	ErrSpeakBusy           = errors.New("speak operation already in progress")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrStaleGeneration     = errors.New("stale session generation")
)

// Error is a structured error carrying contextual fields alongside the cause.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
}

// New creates a new structured error with the given message.
func New(message string) *Error {
	return &Error{
		original: errors.New(message),
		message:  message,
		fields:   make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with additional context. Returns nil when
// err is nil so call sites can wrap unconditionally.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		original: err,
		message:  message,
		fields:   make(map[string]interface{}),
	}
}

// WithField returns a copy of the error with one more context field.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	fields := make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Error{
		original: e.original,
		message:  e.message,
		fields:   fields,
	}
}

// Fields returns the contextual fields attached to the error.
func (e *Error) Fields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.original != nil && e.original.Error() != e.message {
		return fmt.Sprintf("%s: %s", e.message, e.original.Error())
	}
	return e.message
}

// Unwrap returns the underlying error for errors.Is/As traversal.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Is reports whether target matches this error or its cause.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
