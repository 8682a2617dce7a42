package nats

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidecredit/internal/model"
	"slidecredit/internal/plan"
	"slidecredit/internal/repository"
	"slidecredit/internal/service"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	svc := service.NewLedger(repository.NewMemoryStore())
	_, err := svc.OpenAccount(context.Background(), "user-1", plan.Starter)
	require.NoError(t, err)
	return NewHandler(svc, nil)
}

func command(t *testing.T, req model.CreditRequest) []byte {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return data
}

func TestHandler_Commands(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	reply := h.handle(ctx, repository.SubjectAdd, command(t, model.CreditRequest{
		AccountID: "user-1", Amount: 25, Kind: model.KindCreditPurchase,
	}))
	require.Empty(t, reply.Error)
	assert.Equal(t, int64(75), reply.Result.NewBalance)

	reply = h.handle(ctx, repository.SubjectDeduct, command(t, model.CreditRequest{
		AccountID: "user-1", Amount: 70, Kind: model.KindSlideGeneration,
	}))
	require.Empty(t, reply.Error)
	assert.Equal(t, int64(5), reply.Result.NewBalance)
}

func TestHandler_Errors(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		subject string
		data    []byte
		code    string
	}{
		{"malformed", repository.SubjectDeduct, []byte("{"), "invalid_request"},
		{"insufficient", repository.SubjectDeduct, command(t, model.CreditRequest{AccountID: "user-1", Amount: 51, Kind: model.KindExportPDF}), "insufficient_credits"},
		{"unknown account", repository.SubjectAdd, command(t, model.CreditRequest{AccountID: "nobody", Amount: 1, Kind: model.KindRefund}), "account_not_found"},
		{"bad amount", repository.SubjectAdd, command(t, model.CreditRequest{AccountID: "user-1", Kind: model.KindRefund}), "invalid_request"},
		{"overflow", repository.SubjectAdd, command(t, model.CreditRequest{AccountID: "user-1", Amount: math.MaxInt64, Kind: model.KindCreditGrant}), "invalid_request"},
		{"unknown subject", "commands.transfer", command(t, model.CreditRequest{AccountID: "user-1"}), "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := h.handle(ctx, tt.subject, tt.data)
			assert.Nil(t, reply.Result)
			assert.NotEmpty(t, reply.Error)
			assert.Equal(t, tt.code, reply.Code)
		})
	}
}

func TestHandler_CommandsSurviveShutdown(t *testing.T) {
	h := newTestHandler(t)
	ctx, cancel := context.WithCancel(context.Background())
	onCommand := h.onCommand(ctx)
	cancel()

	// A command still buffered when the subscription drains.
	onCommand(&nats.Msg{
		Subject: repository.SubjectDeduct,
		Data:    command(t, model.CreditRequest{AccountID: "user-1", Amount: 20, Kind: model.KindExportPDF}),
	})

	assert.Equal(t, int64(30), h.svc.Balance(context.Background(), "user-1"))
}
