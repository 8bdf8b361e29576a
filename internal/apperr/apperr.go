// Package apperr defines the closed failure taxonomy shared by every
// managed-nebula component. Business logic returns these; the route layer is
// the only place they are translated to HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for boundary handling.
type Kind int

const (
	// Validation is a caller fault: malformed CIDR, bad public key, prefix
	// rules, group not found.
	Validation Kind = iota
	// Auth means no session, bad token, or bad HMAC signature.
	Auth
	// Permission means authenticated but denied.
	Permission
	// NotFound means the referenced entity does not exist.
	NotFound
	// Conflict is a state conflict: duplicate IP, pool still has
	// assignments, last admin, active CA delete.
	Conflict
	// Prerequisite means a required precondition is missing: no signing CA,
	// no IP pool, no active certificate.
	Prerequisite
	// Incompatible means the client's Nebula version cannot support the
	// requested certificate version or IP topology.
	Incompatible
	// Subprocess means nebula-cert exited nonzero.
	Subprocess
	// Transient is a recoverable dependency blip (network, GitHub API).
	Transient
	// Internal is everything unexpected.
	Internal
)

// Error carries a kind, an operator-readable message, and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it as the cause. A nil cause
// yields nil.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, walking the wrap chain. Unclassified
// errors report Internal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
