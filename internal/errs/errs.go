// Package errs implements the error-kind taxonomy used at every component
// boundary: each subsystem re-tags errors crossing out of it into one of a
// small fixed set of kinds, so the RPC and HTTP layers can map a kind to a
// response shape without knowing the internals that produced it.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which part of the error taxonomy an Error belongs to.
type Kind string

const (
	Config   Kind = "config"
	Store    Kind = "store"
	Crypto   Kind = "crypto"
	Policy   Kind = "policy"
	Auth     Kind = "auth"
	Provider Kind = "provider"
	Protocol Kind = "protocol"
	Internal Kind = "internal"
)

// Error is a tagged, wrapped error. Op names the operation that failed
// (e.g. "account.Create"); Err is the underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (may be nil) with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, walking the unwrap chain.
// Errors that never pass through this package surface as Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retriable reports whether err is a transient ProviderError or a
// recoverable StoreError (constraint violation), the only two kinds the
// retry policy and virtual-id allocator ever retry on.
func Retriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case Provider:
		return errors.Is(e.Err, ErrTransient)
	case Store:
		return errors.Is(e.Err, ErrConstraintViolation)
	default:
		return false
	}
}

// Sentinel causes distinguished by Retriable and by callers that need to
// tell apart specific failure shapes without string-matching messages.
var (
	ErrTransient           = errors.New("transient provider error")
	ErrConstraintViolation = errors.New("unique constraint violation")
	ErrNotFound            = errors.New("not found")
)
