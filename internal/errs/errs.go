// Package errs defines the error kinds surfaced by the ledger core and the
// storage sentinels repositories return to it.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers. The HTTP layer maps kinds to status codes.
type Kind string

const (
	KindValidation               Kind = "VALIDATION_ERROR"
	KindAccountNotFound          Kind = "ACCOUNT_NOT_FOUND"
	KindFundNotFound             Kind = "FUND_NOT_FOUND"
	KindSegregationNotFound      Kind = "FUND_SEGREGATION_NOT_FOUND"
	KindTransactionNotFound      Kind = "TRANSACTION_NOT_FOUND"
	KindInsufficientFunds        Kind = "INSUFFICIENT_FUNDS"
	KindSegregationLimitExceeded Kind = "SEGREGATION_LIMIT_EXCEEDED"
	KindAllocationExceeds        Kind = "ALLOCATION_EXCEEDS_AVAILABLE"
	KindSelfTransfer             Kind = "SELF_TRANSFER_NOT_ALLOWED"
	KindAccountNotActive         Kind = "ACCOUNT_NOT_ACTIVE"
	KindBankAccountNotConfigured Kind = "BANK_ACCOUNT_NOT_CONFIGURED"
	KindInvalidTransition        Kind = "INVALID_STATUS_TRANSITION"
	KindExchangeUnavailable      Kind = "EXCHANGE_UNAVAILABLE"
	KindInternal                 Kind = "INTERNAL_ERROR"
)

// Error is a ledger error carrying its kind and a caller-facing message.
type Error struct {
	Kind    Kind
	Message string
	// TransactionID is set when a FAILED transaction record was written for the rejection.
	TransactionID string
	Err           error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that errors.Is(err, errs.ErrAccountNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Kind-only sentinels for errors.Is comparisons.
var (
	ErrValidation               = &Error{Kind: KindValidation}
	ErrAccountNotFound          = &Error{Kind: KindAccountNotFound}
	ErrFundNotFound             = &Error{Kind: KindFundNotFound}
	ErrSegregationNotFound      = &Error{Kind: KindSegregationNotFound}
	ErrTransactionNotFound      = &Error{Kind: KindTransactionNotFound}
	ErrInsufficientFunds        = &Error{Kind: KindInsufficientFunds}
	ErrSegregationLimitExceeded = &Error{Kind: KindSegregationLimitExceeded}
	ErrAllocationExceeds        = &Error{Kind: KindAllocationExceeds}
	ErrSelfTransfer             = &Error{Kind: KindSelfTransfer}
	ErrAccountNotActive         = &Error{Kind: KindAccountNotActive}
	ErrBankAccountNotConfigured = &Error{Kind: KindBankAccountNotConfigured}
	ErrInvalidTransition        = &Error{Kind: KindInvalidTransition}
	ErrExchangeUnavailable      = &Error{Kind: KindExchangeUnavailable}
	ErrInternal                 = &Error{Kind: KindInternal}
)

// Storage sentinels. Repositories wrap these; the core translates them into kinds.
var (
	ErrNotFound            = errors.New("record not found")
	ErrConflict            = errors.New("record modified concurrently")
	ErrDuplicate           = errors.New("duplicate record")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// E builds an error of the given kind with a formatted message.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a storage or transport failure.
func Internal(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, INTERNAL_ERROR for foreign errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a kind to the status code used by the HTTP layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindSelfTransfer:
		return http.StatusBadRequest
	case KindAccountNotFound, KindFundNotFound, KindSegregationNotFound, KindTransactionNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds, KindSegregationLimitExceeded, KindAllocationExceeds:
		return http.StatusUnprocessableEntity
	case KindAccountNotActive, KindBankAccountNotConfigured, KindInvalidTransition:
		return http.StatusConflict
	case KindExchangeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
