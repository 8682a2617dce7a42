package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"slidecredit/internal/model"
	"slidecredit/internal/plan"
	"slidecredit/internal/repository"
)

const RoleAdmin = "admin"

// Claims are the token claims the API trusts. AccountID is the caller's
// ledger account.
type Claims struct {
	AccountID string `json:"id"`
	Role      string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

type claimsKey struct{}

func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Authenticator validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := a.parse(token)
		if err != nil {
			slog.Warn("http: token rejected", "path", r.URL.Path, "error", err)
			respondError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.AccountID == "" {
		return nil, errors.New("token has no account id")
	}
	return claims, nil
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok || !claims.IsAdmin() {
			respondError(w, http.StatusForbidden, "admin_required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// QuotaLimiter counts operations per account and category.
type QuotaLimiter interface {
	Allow(ctx context.Context, c plan.Category, accountID string, limit int) (repository.QuotaDecision, error)
}

// quota enforces the caller's plan limit for category c. Admins are exempt.
// With requireActive set the caller also needs a live subscription.
func (h *Handler) quota(c plan.Category, requireActive bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, _ := ClaimsFrom(r.Context())
		if claims == nil || claims.IsAdmin() {
			next.ServeHTTP(w, r)
			return
		}

		acc, err := h.svc.Account(r.Context(), claims.AccountID)
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		if requireActive && !acc.Subscription.Active(h.now()) {
			respondJSON(w, http.StatusForbidden, map[string]interface{}{
				"error":  "subscription_inactive",
				"plan":   acc.Subscription.Plan,
				"status": acc.Subscription.Status,
			})
			return
		}
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		limit := plan.Quota(acc.Subscription.Plan, c)
		decision, err := h.limiter.Allow(r.Context(), c, acc.ID, limit)
		if err != nil {
			// Redis being down must not stop paid operations.
			slog.Error("http: quota check failed, allowing request", "account_id", acc.ID, "category", c, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		setRateLimitHeaders(w, decision, h.now())
		if !decision.Allowed {
			h.metrics.CountQuotaDenied(string(c))
			w.Header().Set("Retry-After", strconv.Itoa(secondsUntil(decision.ResetAt, h.now())))
			respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":    "quota_exceeded",
				"category": c,
				"limit":    decision.Limit,
				"reset_at": decision.ResetAt,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d repository.QuotaDecision, now time.Time) {
	w.Header().Set("RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("RateLimit-Reset", strconv.Itoa(secondsUntil(d.ResetAt, now)))
}

func secondsUntil(t, now time.Time) int {
	s := int(t.Sub(now).Round(time.Second) / time.Second)
	if s < 0 {
		return 0
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by the mux pattern that served them.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		h.metrics.CountHTTP(r.Method, route, rec.status)
		slog.Debug("http: request served",
			"method", r.Method,
			"route", route,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	var insufficient *model.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		respondJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"error":     "insufficient_credits",
			"required":  insufficient.Required,
			"available": insufficient.Available,
		})
	case errors.Is(err, model.ErrAccountNotFound):
		respondError(w, http.StatusNotFound, "account_not_found")
	case errors.Is(err, model.ErrAccountExists):
		respondError(w, http.StatusConflict, "account_exists")
	case errors.Is(err, model.ErrConflict):
		respondError(w, http.StatusServiceUnavailable, "ledger_busy")
	case isValidationError(err):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("http: request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error")
	}
}

func badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	respondError(w, http.StatusBadRequest, fmt.Sprintf(format, args...))
}
