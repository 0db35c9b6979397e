package nest

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies snapshot fetch failures.
type FetchErrorKind string

const (
	FetchTransient FetchErrorKind = "transient"
	FetchMalformed FetchErrorKind = "malformed-response"
)

// FetchError is returned by Launch.
type FetchError struct {
	Kind FetchErrorKind
	Err  error
}

func (e *FetchError) Error() string { return fmt.Sprintf("nest: fetch: %s: %v", e.Kind, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// StreamErrorKind classifies subscription failures.
type StreamErrorKind string

const (
	StreamTransient StreamErrorKind = "transient"
	// StreamStaleCursor means the server pruned history past the resume
	// cursor; the only recovery is a full resnapshot.
	StreamStaleCursor StreamErrorKind = "stale-cursor"
	// StreamAuthExpired means the session token was rejected mid-stream.
	StreamAuthExpired StreamErrorKind = "auth-expired"
)

// StreamError is returned by Subscribe.
type StreamError struct {
	Kind StreamErrorKind
	Err  error
}

func (e *StreamError) Error() string { return fmt.Sprintf("nest: stream: %s: %v", e.Kind, e.Err) }
func (e *StreamError) Unwrap() error { return e.Err }

// CommandErrorKind classifies command failures.
type CommandErrorKind string

const (
	CommandTransient CommandErrorKind = "transient"
	// CommandRejected means the device or service refused the command;
	// retrying without user action will not help.
	CommandRejected CommandErrorKind = "rejected-by-device"
)

// CommandError is returned by PutObjects.
type CommandError struct {
	Kind CommandErrorKind
	Err  error
}

func (e *CommandError) Error() string { return fmt.Sprintf("nest: command: %s: %v", e.Kind, e.Err) }
func (e *CommandError) Unwrap() error { return e.Err }

// StreamErrorKindOf extracts the kind from err, defaulting to transient.
func StreamErrorKindOf(err error) StreamErrorKind {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Kind
	}
	return StreamTransient
}

// IsCommandRejected reports whether err is a non-retriable device rejection.
func IsCommandRejected(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce) && ce.Kind == CommandRejected
}
