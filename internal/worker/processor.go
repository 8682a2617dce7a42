package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"slidecredit/internal/model"
	"slidecredit/internal/repository"
	"slidecredit/internal/service"
)

const queueGroup = "usage_projector"

// UsageProjector listens on the ledger event stream and keeps the usage
// counters of each account in step with what was charged.
type UsageProjector struct {
	svc      service.LedgerService
	natsConn *nats.Conn
}

func NewUsageProjector(svc service.LedgerService, nc *nats.Conn) *UsageProjector {
	return &UsageProjector{
		svc:      svc,
		natsConn: nc,
	}
}

// Run subscribes to ledger events and blocks until ctx is cancelled.
func (w *UsageProjector) Run(ctx context.Context) error {
	// QueueSubscribe delivers each event to a single projector instance.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicLedgerEntries, queueGroup, w.onEvent(ctx))
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	slog.Info("worker: usage projector is running")

	<-ctx.Done()

	slog.Info("worker: received shutdown signal, draining subscription")
	return sub.Drain()
}

// Start implements the infrastructure.Server interface.
func (w *UsageProjector) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop is a no-op; shutdown happens through the context passed to Start.
func (w *UsageProjector) Stop(ctx context.Context) error {
	return nil
}

// onEvent projects with ctx's values but not its cancellation, so events
// still buffered when Run drains are counted.
func (w *UsageProjector) onEvent(ctx context.Context) nats.MsgHandler {
	msgCtx := context.WithoutCancel(ctx)
	return func(m *nats.Msg) {
		if err := w.process(msgCtx, m.Data); err != nil {
			slog.Error("worker: failed to project usage", "error", err)
		}
	}
}

func (w *UsageProjector) process(ctx context.Context, data []byte) error {
	var event repository.LedgerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	delta := usageDelta(event.Entry)
	if delta.IsZero() {
		return nil
	}
	err := w.svc.RecordUsage(ctx, event.Entry.AccountID, delta)
	if errors.Is(err, model.ErrAccountNotFound) {
		slog.Warn("worker: usage for unknown account dropped", "account_id", event.Entry.AccountID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record usage for %s: %w", event.Entry.AccountID, err)
	}

	slog.Debug("worker: usage projected",
		"account_id", event.Entry.AccountID,
		"entry_id", event.Entry.ID,
		"kind", event.Entry.Kind,
	)
	return nil
}

// usageDelta maps a committed debit to the counters it advances. A refund
// that names the charge it reverses takes that usage back. Credits and
// customizations do not count as usage.
func usageDelta(e model.LedgerEntry) model.Usage {
	slides, _ := e.Metadata["slides"].AsInt()
	switch e.Kind {
	case model.KindSlideGeneration:
		return model.Usage{SlidesGenerated: slides, PresentationsCreated: 1}
	case model.KindDocumentProcessing:
		return model.Usage{SlidesGenerated: slides, PresentationsCreated: 1, DocumentsProcessed: 1}
	case model.KindExportPDF, model.KindExportPPTX:
		return model.Usage{ExportsUsed: 1}
	case model.KindRefund:
		reverses, ok := e.Metadata["reverses"].AsString()
		if !ok || model.Kind(reverses) == model.KindRefund {
			return model.Usage{}
		}
		return usageDelta(model.LedgerEntry{Kind: model.Kind(reverses), Metadata: e.Metadata}).Negate()
	}
	return model.Usage{}
}
