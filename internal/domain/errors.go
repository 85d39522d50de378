package domain

import (
	"errors"
	"fmt"
)

// Kind identifies which rule an operation failed.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindAlreadyExists       Kind = "already_exists"
	KindAlreadyActive       Kind = "already_active"
	KindStrategyInactive    Kind = "strategy_inactive"
	KindPositionInactive    Kind = "position_inactive"
	KindInsufficientDeposit Kind = "insufficient_deposit"
	KindInvalidFeeBps       Kind = "invalid_fee_bps"
	KindInvalidInput        Kind = "invalid_input"
	KindNoProfitToSettle    Kind = "no_profit_to_settle"
	KindFeeTooSmall         Kind = "fee_too_small"
	KindArithmetic          Kind = "arithmetic_error"
	KindNotFound            Kind = "not_found"
	KindTransferFailed      Kind = "transfer_failed"
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrAlreadyActive       = &Error{Kind: KindAlreadyActive}
	ErrStrategyInactive    = &Error{Kind: KindStrategyInactive}
	ErrPositionInactive    = &Error{Kind: KindPositionInactive}
	ErrInsufficientDeposit = &Error{Kind: KindInsufficientDeposit}
	ErrInvalidFeeBps       = &Error{Kind: KindInvalidFeeBps}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrNoProfitToSettle    = &Error{Kind: KindNoProfitToSettle}
	ErrFeeTooSmall         = &Error{Kind: KindFeeTooSmall}
	ErrArithmetic          = &Error{Kind: KindArithmetic}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrTransferFailed      = &Error{Kind: KindTransferFailed}
)

// Error is a ledger rule violation. Msg names the rule that failed.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind carried by err, or "" if err is not a ledger error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
