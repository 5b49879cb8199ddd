// Package apperr defines the error kinds shared by pairing, storage and sync.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindUnknown             Kind = "UNKNOWN"
	KindNotFound            Kind = "NOT_FOUND"
	KindAlreadyPaired       Kind = "ALREADY_PAIRED"
	KindSelfPairing         Kind = "SELF_PAIRING"
	KindConflictRetryable   Kind = "CONFLICT_RETRYABLE"
	KindStoreUnavailable    Kind = "STORE_UNAVAILABLE"
	KindChannelDisconnected Kind = "CHANNEL_DISCONNECTED"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindForbidden           Kind = "FORBIDDEN"
	KindUnauthorized        Kind = "UNAUTHORIZED"
)

// Sentinels for errors.Is checks. Matching is by kind, so
// errors.Is(apperr.New(KindNotFound, "star not found"), apperr.ErrNotFound) holds.
var (
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrAlreadyPaired       = &Error{Kind: KindAlreadyPaired, Message: "already paired"}
	ErrSelfPairing         = &Error{Kind: KindSelfPairing, Message: "cannot pair with yourself"}
	ErrConflictRetryable   = &Error{Kind: KindConflictRetryable, Message: "concurrent update conflict"}
	ErrStoreUnavailable    = &Error{Kind: KindStoreUnavailable, Message: "store unavailable"}
	ErrChannelDisconnected = &Error{Kind: KindChannelDisconnected, Message: "channel disconnected"}
	ErrInvalidArgument     = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
)

// Error is a categorized error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first *Error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the operation may succeed if repeated as is.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflictRetryable, KindStoreUnavailable, KindChannelDisconnected:
		return true
	}
	return false
}
