package ledger

import (
	"github.com/example/tiered-ledger/internal/errs"
)

// AllowedTransactionTransitions defines valid transfer status changes.
func AllowedTransactionTransitions() map[TransactionStatus][]TransactionStatus {
	return map[TransactionStatus][]TransactionStatus{
		TransactionStatusPending:          {TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusRequiresApproval},
		TransactionStatusRequiresApproval: {TransactionStatusCompleted, TransactionStatusRejected},
		TransactionStatusCompleted:        {}, // Terminal state
		TransactionStatusFailed:           {},
		TransactionStatusRejected:         {},
	}
}

// AllowedSegregationTransitions defines valid segregation status changes.
func AllowedSegregationTransitions() map[SegregationStatus][]SegregationStatus {
	return map[SegregationStatus][]SegregationStatus{
		SegregationStatusActive:   {SegregationStatusReleased, SegregationStatusViolated},
		SegregationStatusReleased: {},
		SegregationStatusViolated: {},
	}
}

// AllowedAccountTransitions defines valid account status changes. CLOSED is terminal.
func AllowedAccountTransitions() map[AccountStatus][]AccountStatus {
	return map[AccountStatus][]AccountStatus{
		AccountStatusActive:    {AccountStatusSuspended, AccountStatusClosed},
		AccountStatusSuspended: {AccountStatusActive, AccountStatusClosed},
		AccountStatusClosed:    {},
	}
}

func canTransition[S comparable](allowed map[S][]S, from, to S) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTransaction reports whether a transfer may move from one status to another.
func CanTransitionTransaction(from, to TransactionStatus) bool {
	return canTransition(AllowedTransactionTransitions(), from, to)
}

func CanTransitionSegregation(from, to SegregationStatus) bool {
	return canTransition(AllowedSegregationTransitions(), from, to)
}

func CanTransitionAccount(from, to AccountStatus) bool {
	return canTransition(AllowedAccountTransitions(), from, to)
}

func invalidTransition(entity, id string, from, to interface{}) error {
	return errs.E(errs.KindInvalidTransition, "invalid status transition from %v to %v for %s %s", from, to, entity, id)
}
