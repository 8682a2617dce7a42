package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidecredit/internal/credit"
	"slidecredit/internal/model"
	"slidecredit/internal/plan"
	"slidecredit/internal/repository"
	"slidecredit/internal/service"
)

func TestUsageDelta(t *testing.T) {
	tests := []struct {
		name  string
		entry model.LedgerEntry
		want  model.Usage
	}{
		{
			name:  "generation",
			entry: model.LedgerEntry{Kind: model.KindSlideGeneration, Metadata: model.Metadata{"slides": model.Int(12)}},
			want:  model.Usage{SlidesGenerated: 12, PresentationsCreated: 1},
		},
		{
			name:  "document",
			entry: model.LedgerEntry{Kind: model.KindDocumentProcessing, Metadata: model.Metadata{"slides": model.Int(4)}},
			want:  model.Usage{SlidesGenerated: 4, PresentationsCreated: 1, DocumentsProcessed: 1},
		},
		{
			name:  "export",
			entry: model.LedgerEntry{Kind: model.KindExportPPTX},
			want:  model.Usage{ExportsUsed: 1},
		},
		{
			name:  "generation without metadata",
			entry: model.LedgerEntry{Kind: model.KindSlideGeneration},
			want:  model.Usage{PresentationsCreated: 1},
		},
		{name: "refund", entry: model.LedgerEntry{Kind: model.KindRefund}},
		{
			name:  "refund of generation",
			entry: model.LedgerEntry{Kind: model.KindRefund, Metadata: model.Metadata{"reverses": model.String("slide_generation"), "slides": model.Int(5)}},
			want:  model.Usage{SlidesGenerated: -5, PresentationsCreated: -1},
		},
		{
			name:  "refund of export",
			entry: model.LedgerEntry{Kind: model.KindRefund, Metadata: model.Metadata{"reverses": model.String(string(model.KindExportPDF))}},
			want:  model.Usage{ExportsUsed: -1},
		},
		{
			name:  "refund of refund",
			entry: model.LedgerEntry{Kind: model.KindRefund, Metadata: model.Metadata{"reverses": model.String(string(model.KindRefund))}},
		},
		{name: "customization", entry: model.LedgerEntry{Kind: model.KindSlideCustomization}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usageDelta(tt.entry))
		})
	}
}

func TestUsageProjector_Process(t *testing.T) {
	ctx := context.Background()
	svc := service.NewLedger(repository.NewMemoryStore())
	_, err := svc.OpenAccount(ctx, "user-1", plan.Starter)
	require.NoError(t, err)
	w := NewUsageProjector(svc, nil)

	res, err := svc.Deduct(ctx, model.CreditRequest{
		AccountID: "user-1",
		Amount:    30,
		Kind:      model.KindSlideGeneration,
		Metadata:  model.Metadata{"slides": model.Int(3)},
	})
	require.NoError(t, err)

	data, err := json.Marshal(repository.LedgerEvent{Entry: res.Entry, PublishedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, w.process(ctx, data))

	acc, err := svc.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), acc.Usage.SlidesGenerated)
	assert.Equal(t, int64(1), acc.Usage.PresentationsCreated)
	assert.Equal(t, int64(20), acc.Credits)

	orphan, err := json.Marshal(repository.LedgerEvent{Entry: model.LedgerEntry{AccountID: "gone", Kind: model.KindExportPDF}})
	require.NoError(t, err)
	assert.NoError(t, w.process(ctx, orphan))

	assert.Error(t, w.process(ctx, []byte("not json")))
}

func TestUsageProjector_RefundTakesUsageBack(t *testing.T) {
	ctx := context.Background()
	svc := service.NewLedger(repository.NewMemoryStore())
	_, err := svc.OpenAccount(ctx, "user-1", plan.Starter)
	require.NoError(t, err)
	charger := service.NewCharger(svc, credit.DefaultRates())
	w := NewUsageProjector(svc, nil)

	project := func(res *model.Result) {
		t.Helper()
		data, err := json.Marshal(repository.LedgerEvent{Entry: res.Entry})
		require.NoError(t, err)
		require.NoError(t, w.process(ctx, data))
	}

	res, err := charger.ChargeGeneration(ctx, service.GenerationCharge{AccountID: "user-1", PresentationID: "pres-1", Slides: 4})
	require.NoError(t, err)
	project(res)

	res, err = charger.Refund(ctx, service.RefundRequest{
		AccountID: "user-1",
		Amount:    -res.Entry.Change,
		RelatedID: "pres-1",
		Reverses:  model.KindSlideGeneration,
		Slides:    4,
	})
	require.NoError(t, err)
	project(res)

	acc, err := svc.Account(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, acc.Usage.IsZero())
	assert.Equal(t, int64(50), acc.Credits)
}

func TestUsageProjector_EventsSurviveShutdown(t *testing.T) {
	svc := service.NewLedger(repository.NewMemoryStore())
	_, err := svc.OpenAccount(context.Background(), "user-1", plan.Starter)
	require.NoError(t, err)
	w := NewUsageProjector(svc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	onEvent := w.onEvent(ctx)
	cancel()

	data, err := json.Marshal(repository.LedgerEvent{Entry: model.LedgerEntry{AccountID: "user-1", Kind: model.KindExportPPTX}})
	require.NoError(t, err)
	onEvent(&nats.Msg{Subject: repository.TopicLedgerEntries, Data: data})

	acc, err := svc.Account(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acc.Usage.ExportsUsed)
}
