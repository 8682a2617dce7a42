package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"slidecredit/internal/metrics"
	"slidecredit/internal/model"
	"slidecredit/internal/plan"
	"slidecredit/internal/service"
)

type Handler struct {
	svc     service.LedgerService
	charger *service.Charger
	auth    *Authenticator
	limiter QuotaLimiter
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHandler wires the API. A nil limiter disables plan quotas and a nil
// metrics disables /metrics.
func NewHandler(svc service.LedgerService, charger *service.Charger, auth *Authenticator, limiter QuotaLimiter, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:     svc,
		charger: charger,
		auth:    auth,
		limiter: limiter,
		metrics: m,
		now:     time.Now,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	authed := func(next http.HandlerFunc) http.Handler { return h.auth.Middleware(next) }
	admin := func(next http.HandlerFunc) http.Handler { return h.auth.Middleware(requireAdmin(next)) }
	limited := func(c plan.Category, requireActive bool, next http.HandlerFunc) http.Handler {
		return h.auth.Middleware(h.quota(c, requireActive, next))
	}

	mux.Handle("GET /credits/balance", authed(h.GetBalance))
	mux.Handle("GET /credits/transactions", authed(h.ListTransactions))
	mux.Handle("GET /credits/costs", authed(h.GetCosts))
	mux.Handle("POST /credits/quote", authed(h.Quote))

	mux.Handle("POST /charges/generation", limited(plan.CategoryGeneration, true, h.ChargeGeneration))
	mux.Handle("POST /charges/document", limited(plan.CategoryUpload, false, h.ChargeDocument))
	mux.Handle("POST /charges/customization", authed(h.ChargeCustomization))
	mux.Handle("POST /charges/export", limited(plan.CategoryExport, false, h.ChargeExport))

	mux.Handle("POST /charges/refund", admin(h.Refund))
	mux.Handle("POST /accounts", admin(h.CreateAccount))
	mux.Handle("POST /credits/grant", admin(h.Grant))
	mux.Handle("GET /credits/audit", admin(h.Audit))
}

// Routes returns the instrumented router.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	return h.instrument(mux)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accID := subject(r)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accID,
		"balance":    h.svc.Balance(r.Context(), accID),
	})
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.EntryFilter{
		AccountID: subject(r),
		Kind:      model.Kind(q.Get("kind")),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		badRequest(w, "unknown kind %q", f.Kind)
		return
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			badRequest(w, "invalid limit %q", v)
			return
		}
		f.Limit = limit
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				badRequest(w, "invalid %s %q", name, v)
				return
			}
			*dst = t
		}
	}

	entries, err := h.svc.History(r.Context(), f)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transactions": entries})
}

func (h *Handler) GetCosts(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"rates": h.charger.Rates()}
	if claims, ok := ClaimsFrom(r.Context()); ok {
		if acc, err := h.svc.Account(r.Context(), claims.AccountID); err == nil {
			resp["plan"] = acc.Subscription.Plan
			resp["quotas"] = map[plan.Category]int{
				plan.CategoryGeneration: plan.Quota(acc.Subscription.Plan, plan.CategoryGeneration),
				plan.CategoryExport:     plan.Quota(acc.Subscription.Plan, plan.CategoryExport),
				plan.CategoryUpload:     plan.Quota(acc.Subscription.Plan, plan.CategoryUpload),
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operation       string `json:"operation"`
		Slides          int    `json:"slides"`
		WithResearch    bool   `json:"with_research"`
		PremiumTemplate bool   `json:"premium_template"`
		SizeBytes       int64  `json:"size_bytes"`
		Format          string `json:"format"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	var (
		cost int64
		err  error
	)
	switch req.Operation {
	case "generation":
		cost, err = h.charger.QuoteGeneration(service.GenerationCharge{
			Slides:          req.Slides,
			WithResearch:    req.WithResearch,
			PremiumTemplate: req.PremiumTemplate,
		})
	case "document":
		var processing, generation int64
		processing, generation, err = h.charger.QuoteDocument(service.DocumentCharge{SizeBytes: req.SizeBytes, Slides: req.Slides})
		cost = processing + generation
	case "customization":
		cost, err = h.charger.QuoteCustomization(service.CustomizationCharge{Slides: req.Slides})
	case "export":
		cost, err = h.charger.QuoteExport(service.ExportCharge{Format: req.Format})
	default:
		badRequest(w, "unknown operation %q", req.Operation)
		return
	}
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	accID := subject(r)
	balance := h.svc.Balance(r.Context(), accID)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operation":  req.Operation,
		"cost":       cost,
		"balance":    balance,
		"sufficient": h.svc.HasEnough(r.Context(), accID, cost),
	})
}

func (h *Handler) ChargeGeneration(w http.ResponseWriter, r *http.Request) {
	var req service.GenerationCharge
	if !decode(w, r, &req) {
		return
	}
	req.AccountID = subject(r)
	res, err := h.charger.ChargeGeneration(r.Context(), req)
	h.respondCharge(w, res, err)
}

func (h *Handler) ChargeDocument(w http.ResponseWriter, r *http.Request) {
	var req service.DocumentCharge
	if !decode(w, r, &req) {
		return
	}
	req.AccountID = subject(r)
	res, err := h.charger.ChargeDocument(r.Context(), req)
	h.respondCharge(w, res, err)
}

func (h *Handler) ChargeCustomization(w http.ResponseWriter, r *http.Request) {
	var req service.CustomizationCharge
	if !decode(w, r, &req) {
		return
	}
	req.AccountID = subject(r)
	res, err := h.charger.ChargeCustomization(r.Context(), req)
	h.respondCharge(w, res, err)
}

func (h *Handler) ChargeExport(w http.ResponseWriter, r *http.Request) {
	var req service.ExportCharge
	if !decode(w, r, &req) {
		return
	}
	req.AccountID = subject(r)
	res, err := h.charger.ChargeExport(r.Context(), req)
	h.respondCharge(w, res, err)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req service.RefundRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.charger.Refund(r.Context(), req)
	h.respondCharge(w, res, err)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   string `json:"account_id"`
		Plan string `json:"plan"`
	}
	if !decode(w, r, &req) {
		return
	}
	p, err := plan.Parse(req.Plan)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	acc, err := h.svc.OpenAccount(r.Context(), req.ID, p)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, acc)
}

func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   string     `json:"account_id"`
		Amount      int64      `json:"amount"`
		Kind        model.Kind `json:"kind"`
		Description string     `json:"description"`
		RelatedID   string     `json:"related_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	switch req.Kind {
	case "":
		req.Kind = model.KindCreditGrant
	case model.KindCreditGrant, model.KindCreditPurchase:
	default:
		badRequest(w, "kind must be %s or %s", model.KindCreditGrant, model.KindCreditPurchase)
		return
	}
	res, err := h.svc.Add(r.Context(), model.CreditRequest{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Kind:        req.Kind,
		Description: req.Description,
		RelatedID:   req.RelatedID,
	})
	h.respondCharge(w, res, err)
}

// Audit rebuilds the balance of ?account_id from its ledger. A ledger that
// does not reconcile is reported, not treated as a failed request.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		badRequest(w, "account_id is required")
		return
	}

	replayed, err := h.svc.Replay(r.Context(), accountID)
	switch {
	case errors.Is(err, model.ErrLedgerCorrupt):
		slog.Error("http: ledger audit failed", "account_id", accountID, "error", err)
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"account_id":       accountID,
			"consistent":       false,
			"replayed_balance": replayed,
			"error":            err.Error(),
		})
	case err != nil:
		h.respondServiceError(w, err)
	default:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"account_id":       accountID,
			"consistent":       true,
			"replayed_balance": replayed,
		})
	}
}

func (h *Handler) respondCharge(w http.ResponseWriter, res *model.Result, err error) {
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// subject is the account a request acts on: the caller's own, or for admins
// any account named by ?account_id=.
func subject(r *http.Request) string {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		return ""
	}
	if claims.IsAdmin() {
		if id := r.URL.Query().Get("account_id"); id != "" {
			return id
		}
	}
	return claims.AccountID
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func isValidationError(err error) bool {
	for _, target := range []error{
		model.ErrInvalidAmount,
		model.ErrInvalidKind,
		model.ErrInvalidAccountID,
		model.ErrBalanceOverflow,
		plan.ErrUnknownPlan,
		service.ErrInvalidSlideCount,
		service.ErrUnsupportedFormat,
		service.ErrInvalidFileSize,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
