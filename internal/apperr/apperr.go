package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation          Kind = "validation"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindProtocol            Kind = "protocol"
	KindSpoolIO             Kind = "spool_io"
	KindAuthFailure         Kind = "auth_failure"
	KindForbidden           Kind = "forbidden"
	KindInvalidState        Kind = "invalid_state"
	KindNotFound            Kind = "not_found"
	KindUnsupported         Kind = "unsupported"
)

// Error is a business or transport failure tagged with a Kind. Errors of
// the same Kind match each other under errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		if e.Op != "" {
			return e.Op + ": " + string(e.Kind)
		}
		return string(e.Kind)
	}
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t.Kind == e.Kind
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrQuotaExceeded       = &Error{Kind: KindQuotaExceeded}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrProtocol            = &Error{Kind: KindProtocol}
	ErrSpoolIO             = &Error{Kind: KindSpoolIO}
	ErrAuthFailure         = &Error{Kind: KindAuthFailure}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrInvalidState        = &Error{Kind: KindInvalidState}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUnsupported         = &Error{Kind: KindUnsupported}
)

func New(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func IsValidation(err error) bool   { return Is(err, KindValidation) }
func IsInvalidState(err error) bool { return Is(err, KindInvalidState) }
func IsNotFound(err error) bool     { return Is(err, KindNotFound) }
func IsForbidden(err error) bool    { return Is(err, KindForbidden) }
func IsAuthFailure(err error) bool  { return Is(err, KindAuthFailure) }

// IsBusiness reports whether err is a rule violation the caller should
// surface rather than log.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindQuotaExceeded, KindInsufficientBalance, KindAuthFailure, KindForbidden, KindInvalidState, KindNotFound, KindUnsupported:
		return true
	}
	return false
}
