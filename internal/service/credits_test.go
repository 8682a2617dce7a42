package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidecredit/internal/model"
	"slidecredit/internal/plan"
	"slidecredit/internal/repository"
)

type mockBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
	err      error
}

func (b *mockBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[topic] = append(b.messages[topic], data)
	return b.err
}

func (b *mockBus) events(t *testing.T) []repository.LedgerEvent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []repository.LedgerEvent
	for _, data := range b.messages[repository.TopicLedgerEntries] {
		var ev repository.LedgerEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		out = append(out, ev)
	}
	return out
}

// flakyStore reports a conflict for the first failures calls to Apply.
type flakyStore struct {
	Store
	failures int32
	calls    atomic.Int32
}

func (s *flakyStore) Apply(ctx context.Context, m model.Mutation) (model.LedgerEntry, error) {
	if s.calls.Add(1) <= s.failures {
		return model.LedgerEntry{}, model.ErrConflict
	}
	return s.Store.Apply(ctx, m)
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, string) {
	t.Helper()
	l := NewLedger(repository.NewMemoryStore(), opts...)
	_, err := l.OpenAccount(context.Background(), "user-1", plan.Starter)
	require.NoError(t, err)
	return l, "user-1"
}

func deduct(accountID string, amount int64) model.CreditRequest {
	return model.CreditRequest{AccountID: accountID, Amount: amount, Kind: model.KindSlideGeneration, Description: "test"}
}

func TestLedger_OpenAccount(t *testing.T) {
	ctx := context.Background()
	bus := &mockBus{}
	l := NewLedger(repository.NewMemoryStore(), WithBus(bus))

	acc, err := l.OpenAccount(ctx, "user-1", plan.Trial)
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Credits)
	assert.Equal(t, plan.StatusTrialing, acc.Subscription.Status)

	_, err = l.OpenAccount(ctx, "user-1", plan.Trial)
	assert.ErrorIs(t, err, model.ErrAccountExists)

	_, err = l.OpenAccount(ctx, "", plan.Trial)
	assert.ErrorIs(t, err, model.ErrInvalidAccountID)

	_, err = l.OpenAccount(ctx, "user-2", plan.Plan("platinum"))
	assert.ErrorIs(t, err, plan.ErrUnknownPlan)

	events := bus.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindCreditGrant, events[0].Entry.Kind)
	p, _ := events[0].Entry.Metadata["plan"].AsString()
	assert.Equal(t, "trial", p)
}

func TestLedger_Deduct(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	res, err := l.Deduct(ctx, deduct(id, 30))
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.NewBalance)
	assert.Equal(t, int64(-30), res.Entry.Change)
	assert.Equal(t, int64(50), res.Entry.BalanceBefore)
	assert.Equal(t, int64(20), l.Balance(ctx, id))
}

func TestLedger_DeductInsufficientLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	bus := &mockBus{}
	l, id := newTestLedger(t, WithBus(bus))

	_, err := l.Deduct(ctx, deduct(id, 51))
	require.ErrorIs(t, err, model.ErrInsufficientCredits)

	var insufficient *model.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(51), insufficient.Required)
	assert.Equal(t, int64(50), insufficient.Available)

	assert.Equal(t, int64(50), l.Balance(ctx, id))
	entries, err := l.History(ctx, model.EntryFilter{AccountID: id})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, bus.events(t), 1)
}

func TestLedger_DeductUnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Deduct(context.Background(), deduct("nobody", 1))
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestLedger_RejectsInvalidRequests(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	_, err := l.Deduct(ctx, deduct(id, 0))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = l.Add(ctx, model.CreditRequest{AccountID: id, Amount: -5, Kind: model.KindRefund})
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = l.Add(ctx, model.CreditRequest{AccountID: id, Amount: 5, Kind: "gift"})
	assert.ErrorIs(t, err, model.ErrInvalidKind)

	assert.Equal(t, int64(50), l.Balance(ctx, id))
}

func TestLedger_AddThenDeductRestoresBalance(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	_, err := l.Add(ctx, model.CreditRequest{AccountID: id, Amount: 40, Kind: model.KindCreditPurchase})
	require.NoError(t, err)
	_, err = l.Deduct(ctx, deduct(id, 40))
	require.NoError(t, err)

	assert.Equal(t, int64(50), l.Balance(ctx, id))
	entries, err := l.History(ctx, model.EntryFilter{AccountID: id, Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(0), entries[0].Change+entries[1].Change)
}

func TestLedger_AddRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	_, err := l.Add(ctx, model.CreditRequest{AccountID: id, Amount: math.MaxInt64, Kind: model.KindCreditGrant})
	require.ErrorIs(t, err, model.ErrBalanceOverflow)
	var insufficient *model.InsufficientCreditsError
	assert.False(t, errors.As(err, &insufficient))

	assert.Equal(t, int64(50), l.Balance(ctx, id))
	entries, err := l.History(ctx, model.EntryFilter{AccountID: id})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	res, err := l.Add(ctx, model.CreditRequest{AccountID: id, Amount: math.MaxInt64 - 50, Kind: model.KindCreditGrant})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), res.NewBalance)
}

func TestLedger_HistoryDoesNotExposeStoredMetadata(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	md := model.Metadata{"slides": model.Int(1)}
	req := deduct(id, 10)
	req.Metadata = md
	_, err := l.Deduct(ctx, req)
	require.NoError(t, err)

	md["slides"] = model.Int(999)
	md["injected"] = model.Bool(true)

	entries, err := l.History(ctx, model.EntryFilter{AccountID: id, Kind: model.KindSlideGeneration})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	slides, _ := entries[0].Metadata["slides"].AsInt()
	assert.Equal(t, int64(1), slides)
	assert.NotContains(t, entries[0].Metadata, "injected")
}

func TestLedger_TruncatesDescription(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	long := make([]rune, model.MaxDescriptionLen+20)
	for i := range long {
		long[i] = 'é'
	}
	res, err := l.Deduct(ctx, model.CreditRequest{AccountID: id, Amount: 1, Kind: model.KindExportPDF, Description: string(long)})
	require.NoError(t, err)
	assert.Equal(t, model.MaxDescriptionLen, len([]rune(res.Entry.Description)))
}

func TestLedger_HasEnough(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	assert.True(t, l.HasEnough(ctx, id, 50))
	assert.False(t, l.HasEnough(ctx, id, 51))
	assert.False(t, l.HasEnough(ctx, "nobody", 0))
}

func TestLedger_BalanceUnknownAccountIsZero(t *testing.T) {
	l, _ := newTestLedger(t)
	assert.Equal(t, int64(0), l.Balance(context.Background(), "nobody"))
}

func TestLedger_ConcurrentDeductsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	const workers = 20
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deduct(ctx, deduct(id, 10))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, model.ErrInsufficientCredits):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), succeeded.Load())
	assert.Equal(t, int32(workers-5), rejected.Load())
	assert.Equal(t, int64(0), l.Balance(ctx, id))

	replayed, err := l.Replay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), replayed)
}

func TestLedger_ReplayMatchesBalance(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	ops := []struct {
		add    bool
		amount int64
	}{
		{false, 20}, {true, 100}, {false, 75}, {true, 5}, {false, 60},
	}
	for _, op := range ops {
		var err error
		if op.add {
			_, err = l.Add(ctx, model.CreditRequest{AccountID: id, Amount: op.amount, Kind: model.KindCreditPurchase})
		} else {
			_, err = l.Deduct(ctx, deduct(id, op.amount))
		}
		require.NoError(t, err)
	}

	replayed, err := l.Replay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, l.Balance(ctx, id), replayed)
	assert.Equal(t, int64(0), replayed)
}

// skewedStore reports a balance the ledger does not account for.
type skewedStore struct {
	Store
}

func (s skewedStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	acc, err := s.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	acc.Credits += 7
	return acc, nil
}

func TestLedger_ReplayDetectsDrift(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	_, err := NewLedger(store).OpenAccount(ctx, "user-1", plan.Starter)
	require.NoError(t, err)

	replayed, err := NewLedger(skewedStore{store}).Replay(ctx, "user-1")
	assert.ErrorIs(t, err, model.ErrLedgerCorrupt)
	assert.Equal(t, int64(50), replayed)
}

func TestLedger_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: repository.NewMemoryStore(), failures: 2}
	l := NewLedger(store, WithRetry(3, time.Millisecond))
	_, err := l.OpenAccount(ctx, "user-1", plan.Starter)
	require.NoError(t, err)

	res, err := l.Deduct(ctx, deduct("user-1", 10))
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.NewBalance)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestLedger_GivesUpAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: repository.NewMemoryStore(), failures: 100}
	l := NewLedger(store, WithRetry(2, time.Millisecond))
	_, err := l.OpenAccount(ctx, "user-1", plan.Starter)
	require.NoError(t, err)

	_, err = l.Deduct(ctx, deduct("user-1", 10))
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, int64(50), l.Balance(ctx, "user-1"))
}

func TestLedger_PublishesCommittedEntries(t *testing.T) {
	ctx := context.Background()
	bus := &mockBus{err: errors.New("bus down")}
	l, id := newTestLedger(t, WithBus(bus))

	// a failing bus does not fail the mutation
	_, err := l.Deduct(ctx, model.CreditRequest{
		AccountID: id,
		Amount:    20,
		Kind:      model.KindExportPDF,
		RelatedID: "pres-9",
		Metadata:  model.Metadata{"format": model.String("pdf")},
	})
	require.NoError(t, err)

	events := bus.events(t)
	require.Len(t, events, 2)
	last := events[1].Entry
	assert.Equal(t, model.KindExportPDF, last.Kind)
	assert.Equal(t, "pres-9", last.RelatedID)
	assert.Equal(t, int64(30), last.BalanceAfter)
	format, _ := last.Metadata["format"].AsString()
	assert.Equal(t, "pdf", format)
}

func TestLedger_History(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	for i := 0; i < 4; i++ {
		_, err := l.Deduct(ctx, deduct(id, 1))
		require.NoError(t, err)
	}

	newest, err := l.History(ctx, model.EntryFilter{AccountID: id, Limit: 2})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, int64(46), newest[0].BalanceAfter)

	all, err := l.History(ctx, model.EntryFilter{AccountID: id, Ascending: true})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, model.KindCreditGrant, all[0].Kind)

	grants, err := l.History(ctx, model.EntryFilter{AccountID: id, Kind: model.KindCreditGrant})
	require.NoError(t, err)
	assert.Len(t, grants, 1)

	_, err = l.History(ctx, model.EntryFilter{AccountID: "nobody"})
	assert.ErrorIs(t, err, model.ErrAccountNotFound)
}

func TestLedger_RecordUsage(t *testing.T) {
	ctx := context.Background()
	l, id := newTestLedger(t)

	require.NoError(t, l.RecordUsage(ctx, id, model.Usage{SlidesGenerated: 8, PresentationsCreated: 1}))
	require.NoError(t, l.RecordUsage(ctx, id, model.Usage{}))
	assert.ErrorIs(t, l.RecordUsage(ctx, "nobody", model.Usage{ExportsUsed: 1}), model.ErrAccountNotFound)

	acc, err := l.Account(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(8), acc.Usage.SlidesGenerated)
	assert.Equal(t, int64(1), acc.Usage.PresentationsCreated)
}
