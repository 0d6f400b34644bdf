// Package chaterr defines the small closed set of error kinds the chat
// server and client reason about: IO, Protocol, Validation, NotFound and
// Backpressure. Every package in this module wraps errors through here
// instead of returning bare sentinel values, so a caller several layers up
// (a Session's read loop, say) can ask "was this fatal to the connection"
// without knowing which package produced the error.
package chaterr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a coarse classification of what went wrong.
type Kind int

const (
	// IO covers socket closed, EOF, truncated read/write.
	IO Kind = iota
	// Protocol covers unknown frame type, unknown packet code, negative
	// length, malformed JSON - anything that means the peer's bytes cannot
	// be trusted anymore.
	Protocol
	// Validation covers a blank or duplicate name.
	Validation
	// NotFound covers a whisper or file-request target, or a transferId,
	// that does not exist.
	NotFound
	// Backpressure covers an outbound queue that stayed full past its
	// timeout.
	Backpressure
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "io"
	case Protocol:
		return "protocol"
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Backpressure:
		return "backpressure"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the operation that produced it and, usually, an
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given Kind whose cause is a fresh error
// carrying msg.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap attaches an operation and Kind to an existing error. Returns nil if
// err is nil, matching the convention of the stdlib "if err != nil" guards
// callers already write.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// Is reports whether err is a *Error of the given Kind, walking the Unwrap
// chain like errors.Is.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
