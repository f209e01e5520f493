// Package apperr holds the failure taxonomy shared by the vault, the adapters
// and the scheduler. Lower layers wrap their errors with a Kind; the dispatcher
// boundary reads it back with KindOf to decide between reauth, deferral,
// terminal failure and retry.
package apperr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	Unknown Kind = iota
	Configuration
	Authentication
	RateLimitExceeded
	ContentRejected
	TransientNetwork
	Integrity
	NotFound
	Conflict
	InvalidTransition
	Validation
)

var kindNames = map[Kind]string{
	Unknown:           "unknown",
	Configuration:     "configuration_error",
	Authentication:    "authentication_error",
	RateLimitExceeded: "rate_limit_exceeded",
	ContentRejected:   "content_rejected",
	TransientNetwork:  "transient_network_error",
	Integrity:         "integrity_error",
	NotFound:          "not_found",
	Conflict:          "conflict",
	InvalidTransition: "invalid_transition",
	Validation:        "validation_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind is the inverse of String. Unrecognised names map to Unknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return Unknown
}

// Retryable reports whether a failed publish of this kind may be attempted
// again automatically. Authentication, integrity and content rejections need a
// human.
func (k Kind) Retryable() bool {
	switch k {
	case TransientNetwork, RateLimitExceeded, Unknown:
		return true
	default:
		return false
	}
}

// RequiresReauth reports whether the owning account must go through the OAuth
// flow again.
func (k Kind) RequiresReauth() bool {
	return k == Authentication || k == Integrity
}

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var msg string
	switch {
	case e.Msg != "" && e.Err != nil:
		msg = e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		msg = e.Msg
	case e.Err != nil:
		msg = e.Err.Error()
	default:
		msg = e.Kind.String()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified non-nil errors are Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
