package service

import (
	"context"

	"slidecredit/internal/model"
	"slidecredit/internal/plan"
)

// LedgerService defines the business operations for the credit ledger.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete ledger.
type LedgerService interface {
	Deduct(ctx context.Context, req model.CreditRequest) (*model.Result, error)
	Add(ctx context.Context, req model.CreditRequest) (*model.Result, error)
	HasEnough(ctx context.Context, accountID string, amount int64) bool
	Balance(ctx context.Context, accountID string) int64
	OpenAccount(ctx context.Context, accountID string, p plan.Plan) (*model.Account, error)
	Account(ctx context.Context, accountID string) (*model.Account, error)
	History(ctx context.Context, f model.EntryFilter) ([]model.LedgerEntry, error)
	Replay(ctx context.Context, accountID string) (int64, error)
	RecordUsage(ctx context.Context, accountID string, delta model.Usage) error
}

// Store is the persistence the ledger needs. Apply must check the resulting
// balance, update it and append the entry as one all-or-nothing step, and
// report lost races as model.ErrConflict.
type Store interface {
	CreateAccount(ctx context.Context, acc model.Account, grant model.Mutation) (model.LedgerEntry, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	Apply(ctx context.Context, m model.Mutation) (model.LedgerEntry, error)
	ListEntries(ctx context.Context, f model.EntryFilter) ([]model.LedgerEntry, error)
	IncrementUsage(ctx context.Context, accountID string, delta model.Usage) error
}
