// Package kverr classifies cache errors into the kinds reported to callers.
package kverr

import (
	"errors"
	"fmt"
)

// Kind is the broad failure category of an error.
type Kind uint8

// Error kinds.
const (
	// Internal covers oversized frames, corrupted WAL records, and
	// filesystem failures around the WAL.
	Internal Kind = iota
	// Network covers transport I/O failures: connect, read, write.
	Network
	// Serialization covers payloads that cannot be encoded or decoded.
	Serialization
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Serialization:
		return "serialization"
	default:
		return "internal"
	}
}

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and op. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// NetworkError wraps err as a Network failure.
func NetworkError(op string, err error) error { return New(Network, op, err) }

// SerializationError wraps err as a Serialization failure.
func SerializationError(op string, err error) error { return New(Serialization, op, err) }

// InternalError wraps err as an Internal failure.
func InternalError(op string, err error) error { return New(Internal, op, err) }

// KindOf returns the kind of the outermost *Error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
