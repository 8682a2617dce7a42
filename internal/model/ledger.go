package model

import (
	"fmt"
	"math"
	"time"
)

// Kind is the business reason for a balance change.
type Kind string

const (
	KindCreditPurchase      Kind = "credit_purchase"
	KindCreditGrant         Kind = "credit_grant"
	KindSlideGeneration     Kind = "slide_generation"
	KindSlideCustomization  Kind = "slide_customization"
	KindExportPDF           Kind = "export_pdf"
	KindExportPPTX          Kind = "export_pptx"
	KindDocumentProcessing  Kind = "document_processing"
	KindSubscriptionPayment Kind = "subscription_payment"
	KindRefund              Kind = "refund"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCreditPurchase, KindCreditGrant, KindSlideGeneration, KindSlideCustomization,
		KindExportPDF, KindExportPPTX, KindDocumentProcessing, KindSubscriptionPayment, KindRefund:
		return true
	}
	return false
}

// MaxDescriptionLen bounds LedgerEntry.Description, in runes.
const MaxDescriptionLen = 500

// LedgerEntry is an immutable record of one balance mutation.
// BalanceAfter is always BalanceBefore + Change.
type LedgerEntry struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Kind          Kind      `json:"kind"`
	Change        int64     `json:"change"`
	BalanceBefore int64     `json:"balance_before"`
	BalanceAfter  int64     `json:"balance_after"`
	Description   string    `json:"description,omitempty"`
	RelatedID     string    `json:"related_id,omitempty"`
	Metadata      Metadata  `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Mutation is a balance change not yet applied. Stores turn it into a
// LedgerEntry atomically with the balance update.
type Mutation struct {
	AccountID   string
	Kind        Kind
	Change      int64
	Description string
	RelatedID   string
	Metadata    Metadata
}

// BalanceAfter returns the balance that applying m to before yields. A debit
// larger than before fails with *InsufficientCreditsError and a credit past
// math.MaxInt64 with ErrBalanceOverflow.
func (m Mutation) BalanceAfter(before int64) (int64, error) {
	if m.Change > 0 && before > math.MaxInt64-m.Change {
		return 0, fmt.Errorf("%w: %d + %d", ErrBalanceOverflow, before, m.Change)
	}
	after := before + m.Change
	if after < 0 {
		return 0, &InsufficientCreditsError{Required: -m.Change, Available: before}
	}
	return after, nil
}

// CreditRequest is the input of both debit and credit operations.
// Amount is always positive; the direction comes from the operation.
type CreditRequest struct {
	AccountID   string   `json:"account_id"`
	Amount      int64    `json:"amount"`
	Kind        Kind     `json:"kind"`
	Description string   `json:"description"`
	RelatedID   string   `json:"related_id,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

type Result struct {
	NewBalance int64       `json:"new_balance"`
	Entry      LedgerEntry `json:"entry"`
}

// EntryFilter selects ledger entries of one account. Zero times and an empty
// kind match everything; Limit 0 means no limit.
type EntryFilter struct {
	AccountID string
	Kind      Kind
	Since     time.Time
	Until     time.Time
	Limit     int
	// Ascending returns the oldest entries first.
	Ascending bool
}

func (f EntryFilter) Match(e LedgerEntry) bool {
	if e.AccountID != f.AccountID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}
