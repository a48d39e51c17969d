// Package xpanerr defines the error taxonomy the retry harness and callers
// classify results into (spec §7). Errors are tagged result values, never
// used for stack-unwinding control flow across component boundaries.
package xpanerr

import "fmt"

// Kind classifies an error for the retry harness and for CLI exit-code
// aggregation further up the stack.
type Kind int

const (
	// KindUnknown is the zero value; treated as fatal by the retry harness.
	KindUnknown Kind = iota
	// KindAuth is a missing/invalid/expired token that refresh could not repair.
	KindAuth
	// KindTransient is retryable at the harness level.
	KindTransient
	// KindProtocol is a well-formed but semantically invalid server response.
	KindProtocol
	// KindLocalIO is a local disk error: full, permission denied, vanished file.
	KindLocalIO
	// KindConflict is an overwrite-policy violation (FailIfExists hit an existing remote).
	KindConflict
	// KindIntegrity is a post-download verification failure (length or md5 mismatch).
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindLocalIO:
		return "local_io"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so the retry harness and
// callers can branch on classification without parsing strings.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "precreate", "upload_slice"
	Context string // remote/local path or session key, for logging
	Err     error
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Context, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(kind Kind, op, context string, err error) *Error {
	return &Error{Kind: kind, Op: op, Context: context, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// asError is a tiny errors.As shim kept local to avoid importing errors
// just for this one call in a file that otherwise only needs fmt.
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
