package model

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInvalidAccountID    = errors.New("account id must not be empty")
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrConflict is a transient failure: a concurrent mutation won the race
	// for the same account. Retrying may succeed.
	ErrConflict      = errors.New("concurrent ledger update conflict")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidKind   = errors.New("unknown ledger entry kind")
	ErrLedgerCorrupt = errors.New("ledger does not reconcile with balance")
	// ErrBalanceOverflow rejects credits that would push a balance past int64.
	ErrBalanceOverflow = errors.New("balance would overflow")
)

// InsufficientCreditsError carries the numbers behind ErrInsufficientCredits.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
