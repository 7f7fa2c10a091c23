// Package yerrors defines the error taxonomy shared by every component.
// The transient/permanent/storage kinds label errors for logs and callers;
// the outbox scheduler does not branch on Kind and retries every failed send
// until its attempt limit.
package yerrors

import "fmt"

// Kind classifies an error for the purposes of retry/propagation policy.
type Kind string

const (
	// KindTransient is a condition expected to resolve on its own — a dialed
	// peer was unreachable, a stream timed out waiting for an ACK. Safe to
	// retry with backoff.
	KindTransient Kind = "transient"
	// KindPermanent will not resolve by retrying — malformed envelope,
	// decrypt failure, protocol violation.
	KindPermanent Kind = "permanent"
	// KindStorage indicates the local storage engine failed to durably
	// record an operation. Callers must not acknowledge inbound work when
	// this is returned.
	KindStorage Kind = "storage"
	// KindExpired means a TTL or deadline elapsed before the operation
	// could complete.
	KindExpired Kind = "expired"
)

// Error is the typed error wrapped and returned across package boundaries.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no underlying cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an *Error around an existing error.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
