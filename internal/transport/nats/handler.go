package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"slidecredit/internal/model"
	"slidecredit/internal/repository"
	"slidecredit/internal/service"
)

const queueGroup = "ledger_group"

// Reply answers a command published with a reply subject.
type Reply struct {
	Result *model.Result `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
	Code   string        `json:"code,omitempty"`
}

// Handler subscribes to NATS command subjects and delegates to the ledger service.
type Handler struct {
	svc  service.LedgerService
	nc   *nats.Conn
	subs []*nats.Subscription
}

func NewHandler(svc service.LedgerService, nc *nats.Conn) *Handler {
	return &Handler{svc: svc, nc: nc}
}

// Start subscribes to command subjects and blocks until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	onCommand := h.onCommand(ctx)
	for _, subject := range []string{repository.SubjectDeduct, repository.SubjectAdd} {
		sub, err := h.nc.QueueSubscribe(subject, queueGroup, onCommand)
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}

	slog.Info("nats: command handler is running")

	<-ctx.Done()
	slog.Info("nats: command handler shutting down, draining subscriptions")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

// onCommand runs each command with ctx's values but not its cancellation,
// so commands still buffered when Start drains are applied.
func (h *Handler) onCommand(ctx context.Context) nats.MsgHandler {
	msgCtx := context.WithoutCancel(ctx)
	return func(m *nats.Msg) {
		reply := h.handle(msgCtx, m.Subject, m.Data)
		if m.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			slog.Error("nats: failed to encode reply", "subject", m.Subject, "error", err)
			return
		}
		if err := m.Respond(data); err != nil {
			slog.Error("nats: failed to respond", "subject", m.Subject, "error", err)
		}
	}
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) handle(ctx context.Context, subject string, data []byte) Reply {
	var req model.CreditRequest
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Error("nats: failed to unmarshal command", "subject", subject, "error", err)
		return Reply{Error: err.Error(), Code: "invalid_request"}
	}

	var (
		res *model.Result
		err error
	)
	switch subject {
	case repository.SubjectDeduct:
		res, err = h.svc.Deduct(ctx, req)
	case repository.SubjectAdd:
		res, err = h.svc.Add(ctx, req)
	default:
		return Reply{Error: "unknown subject " + subject, Code: "invalid_request"}
	}
	if err != nil {
		slog.Error("nats: command failed", "subject", subject, "account_id", req.AccountID, "error", err)
		return Reply{Error: err.Error(), Code: errorCode(err)}
	}
	return Reply{Result: res}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, model.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrInvalidKind),
		errors.Is(err, model.ErrBalanceOverflow):
		return "invalid_request"
	}
	return "internal"
}
