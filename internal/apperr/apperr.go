// Package apperr defines the error kinds surfaced to clients and the response
// codes they map to.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the response envelope.
type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	AuthError
	OwnershipError
	UnknownFile
	StorageError
	ExternalJobError
	NotReady
)

// Reasons carried by AuthError.
const (
	ReasonExpired = "expired"
	ReasonInvalid = "invalid"
)

var kindNames = map[Kind]string{
	Unknown:          "unknown",
	InvalidArgument:  "invalid_argument",
	AuthError:        "auth",
	OwnershipError:   "ownership",
	UnknownFile:      "unknown_file",
	StorageError:     "storage",
	ExternalJobError: "external_job",
	NotReady:         "not_ready",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the numeric response code sent to clients.
func (k Kind) Code() int {
	switch k {
	case InvalidArgument:
		return 400
	case AuthError:
		return 401
	case OwnershipError:
		return 403
	case UnknownFile:
		return 404
	case NotReady:
		return 409
	case ExternalJobError:
		return 502
	default:
		return 500
	}
}

// Error is a classified failure. Message is safe to show to the caller; Err
// keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, apperr.New(k, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an Error of kind k.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of kind k carrying err as its cause.
func Wrap(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Err: err}
}

func Invalid(format string, args ...any) *Error {
	return New(InvalidArgument, format, args...)
}

func Expired() *Error {
	return &Error{Kind: AuthError, Message: "token rejected", Reason: ReasonExpired}
}

func InvalidToken(err error) *Error {
	return &Error{Kind: AuthError, Message: "token rejected", Reason: ReasonInvalid, Err: err}
}

func NotOwner(fileID string) *Error {
	return New(OwnershipError, "file %s belongs to another user", fileID)
}

func NoFile(fileID string) *Error {
	return New(UnknownFile, "file %s not found", fileID)
}

func Storage(err error, format string, args ...any) *Error {
	return Wrap(StorageError, err, format, args...)
}

func ExternalJob(err error, format string, args ...any) *Error {
	return Wrap(ExternalJobError, err, format, args...)
}

func Pending(fileID string) *Error {
	return New(NotReady, "file %s has not finished processing", fileID)
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Public returns the message and code to put in a response envelope.
// Unclassified errors never leak their text.
func Public(err error) (string, int) {
	var e *Error
	if !errors.As(err, &e) {
		return "unexpected error", 500
	}
	msg := e.Message
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg, e.Kind.Code()
}
