package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"slidecredit/internal/credit"
	"slidecredit/internal/metrics"
	"slidecredit/internal/model"
	"slidecredit/internal/plan"
	"slidecredit/internal/repository"
)

const (
	defaultMaxRetries   = 5
	defaultRetryBackoff = 10 * time.Millisecond

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Ledger implements LedgerService on top of a Store. Deduct and Add are the
// only ways a balance changes, and only the store's atomic Apply decides
// whether a debit fits.
type Ledger struct {
	store      Store
	bus        repository.MessageBus
	metrics    *metrics.Metrics
	rates      credit.Rates
	maxRetries uint64
	backoff    time.Duration
	now        func() time.Time
}

var _ LedgerService = (*Ledger)(nil)

type Option func(*Ledger)

// WithBus publishes a repository.LedgerEvent for every committed entry.
func WithBus(bus repository.MessageBus) Option {
	return func(l *Ledger) { l.bus = bus }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithRates(r credit.Rates) Option {
	return func(l *Ledger) { l.rates = r }
}

// WithRetry bounds how often a conflicting mutation is retried.
func WithRetry(maxRetries uint64, backoff time.Duration) Option {
	return func(l *Ledger) {
		l.maxRetries = maxRetries
		if backoff > 0 {
			l.backoff = backoff
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		rates:      credit.DefaultRates(),
		maxRetries: defaultMaxRetries,
		backoff:    defaultRetryBackoff,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deduct removes req.Amount credits. It fails with model.ErrInsufficientCredits
// when the balance is too low, leaving balance and ledger untouched.
func (l *Ledger) Deduct(ctx context.Context, req model.CreditRequest) (*model.Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return l.apply(ctx, "deduct", req, -req.Amount)
}

func (l *Ledger) Add(ctx context.Context, req model.CreditRequest) (*model.Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	return l.apply(ctx, "add", req, req.Amount)
}

func validateRequest(req model.CreditRequest) error {
	if req.Amount <= 0 {
		return model.ErrInvalidAmount
	}
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidKind, req.Kind)
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, op string, req model.CreditRequest, change int64) (*model.Result, error) {
	start := time.Now()
	mutation := model.Mutation{
		AccountID:   req.AccountID,
		Kind:        req.Kind,
		Change:      change,
		Description: truncate(req.Description, model.MaxDescriptionLen),
		RelatedID:   req.RelatedID,
		Metadata:    req.Metadata,
	}

	var entry model.LedgerEntry
	backoff := retry.WithMaxRetries(l.maxRetries, retry.NewExponential(l.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		e, err := l.store.Apply(ctx, mutation)
		if errors.Is(err, model.ErrConflict) {
			l.metrics.CountConflict()
			slog.Debug("ledger: conflict, retrying", "account_id", req.AccountID, "op", op)
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		l.metrics.ObserveOperation(op, outcome(err), time.Since(start))
		slog.Warn("ledger: mutation rejected",
			"op", op,
			"account_id", req.AccountID,
			"kind", req.Kind,
			"amount", req.Amount,
			"error", err,
		)
		return nil, err
	}

	l.metrics.ObserveOperation(op, "ok", time.Since(start))
	l.metrics.CountCredits(string(entry.Kind), entry.Change)
	l.publish(ctx, entry)

	slog.Info("ledger: entry committed",
		"op", op,
		"account_id", entry.AccountID,
		"kind", entry.Kind,
		"change", entry.Change,
		"new_balance", entry.BalanceAfter,
	)
	return &model.Result{NewBalance: entry.BalanceAfter, Entry: entry}, nil
}

// HasEnough is an advisory snapshot for display purposes. The balance may
// change before a later Deduct, which remains the only authority.
func (l *Ledger) HasEnough(ctx context.Context, accountID string, amount int64) bool {
	acc, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		if !errors.Is(err, model.ErrAccountNotFound) {
			slog.Error("ledger: balance check failed", "account_id", accountID, "error", err)
		}
		return false
	}
	return acc.Credits >= amount
}

// Balance treats unknown accounts as zero-balance guests.
func (l *Ledger) Balance(ctx context.Context, accountID string) int64 {
	acc, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		if !errors.Is(err, model.ErrAccountNotFound) {
			slog.Error("ledger: balance lookup failed", "account_id", accountID, "error", err)
		}
		return 0
	}
	return acc.Credits
}

// OpenAccount creates the account with the signup grant recorded as its
// first ledger entry.
func (l *Ledger) OpenAccount(ctx context.Context, accountID string, p plan.Plan) (*model.Account, error) {
	if accountID == "" {
		return nil, model.ErrInvalidAccountID
	}
	if !p.Valid() {
		return nil, fmt.Errorf("%w %q", plan.ErrUnknownPlan, p)
	}

	acc := model.Account{
		ID:           accountID,
		Subscription: plan.NewSubscription(p, l.now()),
	}
	grant := model.Mutation{
		AccountID:   accountID,
		Kind:        model.KindCreditGrant,
		Change:      l.rates.SignupGrant,
		Description: "Signup credit grant",
		Metadata:    model.Metadata{"plan": model.String(string(p))},
	}

	entry, err := l.store.CreateAccount(ctx, acc, grant)
	if err != nil {
		return nil, err
	}
	if entry.ID != "" {
		l.metrics.CountCredits(string(entry.Kind), entry.Change)
		l.publish(ctx, entry)
	}
	slog.Info("ledger: account opened", "account_id", accountID, "plan", p, "grant", grant.Change)
	return l.store.GetAccount(ctx, accountID)
}

func (l *Ledger) Account(ctx context.Context, accountID string) (*model.Account, error) {
	return l.store.GetAccount(ctx, accountID)
}

// History returns entries newest first unless f.Ascending is set.
func (l *Ledger) History(ctx context.Context, f model.EntryFilter) ([]model.LedgerEntry, error) {
	switch {
	case f.Limit <= 0:
		f.Limit = defaultHistoryLimit
	case f.Limit > maxHistoryLimit:
		f.Limit = maxHistoryLimit
	}
	if _, err := l.store.GetAccount(ctx, f.AccountID); err != nil {
		return nil, err
	}
	return l.store.ListEntries(ctx, f)
}

// Replay rebuilds the balance from the ledger, oldest entry first, and checks
// it against the stored balance.
func (l *Ledger) Replay(ctx context.Context, accountID string) (int64, error) {
	acc, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	entries, err := l.store.ListEntries(ctx, model.EntryFilter{AccountID: accountID, Ascending: true})
	if err != nil {
		return 0, err
	}

	var balance int64
	for _, e := range entries {
		if e.BalanceBefore != balance || e.BalanceAfter != e.BalanceBefore+e.Change {
			return balance, fmt.Errorf("%w: entry %s breaks the chain at balance %d", model.ErrLedgerCorrupt, e.ID, balance)
		}
		balance = e.BalanceAfter
	}
	if balance != acc.Credits {
		return balance, fmt.Errorf("%w: ledger sums to %d, account holds %d", model.ErrLedgerCorrupt, balance, acc.Credits)
	}
	return balance, nil
}

func (l *Ledger) RecordUsage(ctx context.Context, accountID string, delta model.Usage) error {
	if delta.IsZero() {
		return nil
	}
	return l.store.IncrementUsage(ctx, accountID, delta)
}

func (l *Ledger) publish(ctx context.Context, entry model.LedgerEntry) {
	if l.bus == nil {
		return
	}
	data, err := json.Marshal(repository.LedgerEvent{Entry: entry, PublishedAt: l.now()})
	if err != nil {
		slog.Error("ledger: failed to encode event", "entry_id", entry.ID, "error", err)
		return
	}
	if err := l.bus.Publish(ctx, repository.TopicLedgerEntries, data); err != nil {
		slog.Error("ledger: failed to publish event", "entry_id", entry.ID, "error", err)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, model.ErrAccountNotFound):
		return "not_found"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
