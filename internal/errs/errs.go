// Package errs defines the error taxonomy shared by the processor and the
// query engine.
package errs

import (
	"errors"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
)

type Kind string

const (
	KindSerialization   Kind = "serialization"
	KindMemoryLimit     Kind = "memory_limit_exceeded"
	KindTimeout         Kind = "timeout"
	KindInternal        Kind = "internal"
	KindUnsupported     Kind = "unsupported_feature"
	KindIO              Kind = "io"
	KindInvalidArgument Kind = "invalid_argument"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrSerialization   = &Error{Kind: KindSerialization}
	ErrMemoryLimit     = &Error{Kind: KindMemoryLimit}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrInternal        = &Error{Kind: KindInternal}
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrIO              = &Error{Kind: KindIO}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
)

// Error is the single concrete error type. Only the fields relevant to
// Kind are populated.
type Error struct {
	Kind    Kind
	Op      string
	Message string

	Limit int64 // MemoryLimitExceeded
	Usage int64 // MemoryLimitExceeded

	Timeout time.Duration // Timeout

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMemoryLimit:
		return fmt.Sprintf("memory limit exceeded: usage %s > limit %s",
			datasize.ByteSize(e.Usage).HumanReadable(), datasize.ByteSize(e.Limit).HumanReadable())
	case KindTimeout:
		return fmt.Sprintf("operation %q timed out after %s", e.Op, e.Timeout)
	}

	msg := string(e.Kind)
	if e.Op != "" {
		msg += " [" + e.Op + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so callers can match against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Serialization(op string, err error) error {
	return &Error{Kind: KindSerialization, Op: op, Err: err}
}

func MemoryLimitExceeded(limit, usage int64) error {
	return &Error{Kind: KindMemoryLimit, Limit: limit, Usage: usage}
}

func Timeout(op string, timeout time.Duration) error {
	return &Error{Kind: KindTimeout, Op: op, Timeout: timeout}
}

func Internal(format string, args ...any) error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

func Unsupported(format string, args ...any) error {
	return &Error{Kind: KindUnsupported, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// IO wraps a source/sink failure. The cause stays reachable through Unwrap.
func IO(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}
