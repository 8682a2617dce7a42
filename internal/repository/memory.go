package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"slidecredit/internal/model"
)

// MemoryStore keeps accounts and their ledgers in process memory.
// Every account has its own lock, so the balance check, the update and the
// entry append happen as one step with no cross-account contention.
type MemoryStore struct {
	mu       sync.RWMutex // guards accounts
	accounts map[string]*memoryAccount
	now      func() time.Time
}

type memoryAccount struct {
	mu      sync.Mutex
	account model.Account
	entries []model.LedgerEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memoryAccount),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acc model.Account, grant model.Mutation) (model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.LedgerEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acc.ID]; exists {
		return model.LedgerEntry{}, model.ErrAccountExists
	}

	now := s.now()
	acc.Credits = 0
	acc.CreatedAt = now
	acc.UpdatedAt = now
	if acc.Usage.LastResetAt.IsZero() {
		acc.Usage.LastResetAt = now
	}
	ma := &memoryAccount{account: acc}

	var entry model.LedgerEntry
	if grant.Change != 0 {
		grant.AccountID = acc.ID
		var err error
		if entry, err = s.applyLocked(ma, grant); err != nil {
			return model.LedgerEntry{}, err
		}
	}
	s.accounts[acc.ID] = ma
	return entry, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ma, ok := s.lookup(accountID)
	if !ok {
		return nil, model.ErrAccountNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	acc := ma.account
	return &acc, nil
}

func (s *MemoryStore) Apply(ctx context.Context, m model.Mutation) (model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.LedgerEntry{}, err
	}
	ma, ok := s.lookup(m.AccountID)
	if !ok {
		return model.LedgerEntry{}, model.ErrAccountNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return s.applyLocked(ma, m)
}

// applyLocked must be called with ma.mu held, or before ma is published.
func (s *MemoryStore) applyLocked(ma *memoryAccount, m model.Mutation) (model.LedgerEntry, error) {
	before := ma.account.Credits
	after, err := m.BalanceAfter(before)
	if err != nil {
		return model.LedgerEntry{}, err
	}

	now := s.now()
	entry := model.LedgerEntry{
		ID:            uuid.NewString(),
		AccountID:     m.AccountID,
		Kind:          m.Kind,
		Change:        m.Change,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   m.Description,
		RelatedID:     m.RelatedID,
		Metadata:      m.Metadata.Clone(),
		CreatedAt:     now,
	}
	ma.account.Credits = after
	ma.account.UpdatedAt = now
	ma.entries = append(ma.entries, entry)
	return cloneEntry(entry), nil
}

// cloneEntry keeps callers from reaching stored metadata.
func cloneEntry(e model.LedgerEntry) model.LedgerEntry {
	e.Metadata = e.Metadata.Clone()
	return e
}

func (s *MemoryStore) ListEntries(ctx context.Context, f model.EntryFilter) ([]model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ma, ok := s.lookup(f.AccountID)
	if !ok {
		return nil, nil
	}

	ma.mu.Lock()
	matched := make([]model.LedgerEntry, 0, len(ma.entries))
	for _, e := range ma.entries {
		if f.Match(e) {
			matched = append(matched, cloneEntry(e))
		}
	}
	ma.mu.Unlock()

	if !f.Ascending {
		slices.Reverse(matched)
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) IncrementUsage(ctx context.Context, accountID string, delta model.Usage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ma, ok := s.lookup(accountID)
	if !ok {
		return model.ErrAccountNotFound
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.account.Usage = ma.account.Usage.Add(delta)
	ma.account.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) lookup(accountID string) (*memoryAccount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ma, ok := s.accounts[accountID]
	return ma, ok
}
