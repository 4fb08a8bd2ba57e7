// Package faults defines the typed error kinds returned across the
// upload and store boundaries. Callers distinguish retry-with-same-data
// failures (NotFound, Unauthorized, InvalidState) from
// retry-with-corrected-data failures (InvalidArgument, Integrity) and
// from hard stops (ResourceExhausted) by matching the kind with
// errors.Is.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero kind for errors from outside this taxonomy.
	KindUnknown Kind = iota
	// KindUnauthorized: caller lacks write access or does not own the session.
	KindUnauthorized
	// KindNotFound: session, capsule, memory or blob absent.
	KindNotFound
	// KindInvalidArgument: malformed size, index, length or hash.
	KindInvalidArgument
	// KindInvalidState: operation not valid for the current session status.
	KindInvalidState
	// KindResourceExhausted: pending-session quota reached.
	KindResourceExhausted
	// KindIntegrity: assembled content failed hash or length verification.
	KindIntegrity
	// KindConflict: duplicate insert where uniqueness is required.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindInvalidState:
		return "invalid_state"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindIntegrity:
		return "integrity"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Fault is a typed error carrying a Kind and a message.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return f.Kind.String() + ": " + f.Msg + ": " + f.Err.Error()
	}
	return f.Kind.String() + ": " + f.Msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Is matches two faults by kind so errors.Is(err, faults.NotFound("..."))
// style comparisons work against the kind sentinels below.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if errors.As(target, &t) {
		return f.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnauthorized      = &Fault{Kind: KindUnauthorized, Msg: "unauthorized"}
	ErrNotFound          = &Fault{Kind: KindNotFound, Msg: "not found"}
	ErrInvalidArgument   = &Fault{Kind: KindInvalidArgument, Msg: "invalid argument"}
	ErrInvalidState      = &Fault{Kind: KindInvalidState, Msg: "invalid state"}
	ErrResourceExhausted = &Fault{Kind: KindResourceExhausted, Msg: "resource exhausted"}
	ErrIntegrity         = &Fault{Kind: KindIntegrity, Msg: "integrity failure"}
	ErrConflict          = &Fault{Kind: KindConflict, Msg: "conflict"}
)

func Unauthorized(format string, args ...any) error {
	return &Fault{Kind: KindUnauthorized, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Fault{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) error {
	return &Fault{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) error {
	return &Fault{Kind: KindInvalidState, Msg: fmt.Sprintf(format, args...)}
}

func ResourceExhausted(format string, args ...any) error {
	return &Fault{Kind: KindResourceExhausted, Msg: fmt.Sprintf(format, args...)}
}

func Integrity(format string, args ...any) error {
	return &Fault{Kind: KindIntegrity, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Fault{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}
