package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"slidecredit/internal/plan"
)

//go:embed quota.lua
var quotaLuaScript string

// QuotaLimiter counts operations per account in fixed windows stored in
// Redis. The counter increment and its expiry are set by one Lua call, so
// concurrent API replicas share the same window.
type QuotaLimiter struct {
	redisClient *redis.Client
	window      time.Duration
	now         func() time.Time
}

func NewQuotaLimiter(rdb *redis.Client, window time.Duration) *QuotaLimiter {
	if window <= 0 {
		window = plan.Window
	}
	return &QuotaLimiter{redisClient: rdb, window: window, now: time.Now}
}

// QuotaDecision is the outcome of counting one request against a quota.
type QuotaDecision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Allow counts one operation of category c for accountID against limit.
// A limit of zero or less denies without touching Redis.
func (q *QuotaLimiter) Allow(ctx context.Context, c plan.Category, accountID string, limit int) (QuotaDecision, error) {
	now := q.now()
	if limit <= 0 {
		return QuotaDecision{Allowed: false, Limit: limit, ResetAt: now.Add(q.window)}, nil
	}

	keys := []string{quotaKey(c, accountID)}
	result, err := q.redisClient.Eval(ctx, quotaLuaScript, keys, q.window.Milliseconds()).Result()
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("error executing quota script: %w", err)
	}

	resArray, ok := result.([]interface{})
	if !ok || len(resArray) < 2 {
		return QuotaDecision{}, errors.New("unexpected response format from Redis")
	}
	count, ok1 := resArray[0].(int64)
	ttl, ok2 := resArray[1].(int64)
	if !ok1 || !ok2 {
		return QuotaDecision{}, errors.New("unexpected response format from Redis")
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return QuotaDecision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   now.Add(time.Duration(ttl) * time.Millisecond),
	}, nil
}

// Reset clears the current window of accountID for category c.
func (q *QuotaLimiter) Reset(ctx context.Context, c plan.Category, accountID string) error {
	if err := q.redisClient.Del(ctx, quotaKey(c, accountID)).Err(); err != nil {
		return fmt.Errorf("failed to reset quota: %w", err)
	}
	return nil
}

func quotaKey(c plan.Category, accountID string) string {
	return fmt.Sprintf("rl:%s:%s", c, accountID)
}
