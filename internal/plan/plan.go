package plan

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownPlan = errors.New("unknown plan")

// Plan is a subscription tier.
type Plan string

const (
	Trial        Plan = "trial"
	Starter      Plan = "starter"
	Professional Plan = "professional"
	Enterprise   Plan = "enterprise"
)

func (p Plan) Valid() bool {
	switch p {
	case Trial, Starter, Professional, Enterprise:
		return true
	}
	return false
}

// Parse returns the plan for s. An empty string means Trial.
func Parse(s string) (Plan, error) {
	if s == "" {
		return Trial, nil
	}
	p := Plan(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownPlan, s)
	}
	return p, nil
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusTrialing  Status = "trialing"
)

// Category groups operations that share a quota.
type Category string

const (
	CategoryGeneration Category = "generation"
	CategoryExport     Category = "export"
	CategoryUpload     Category = "upload"
)

// Window is the length of one quota window for every category.
const Window = time.Hour

// TrialPeriod is how long a new trial subscription lasts.
const TrialPeriod = 7 * 24 * time.Hour

var quotas = map[Category]map[Plan]int{
	CategoryGeneration: {Trial: 5, Starter: 20, Professional: 50, Enterprise: 100},
	CategoryExport:     {Trial: 1, Starter: 10, Professional: 100, Enterprise: 1000},
	CategoryUpload:     {Trial: 10, Starter: 50, Professional: 100, Enterprise: 200},
}

// fallbackQuotas apply to plans missing from the table.
var fallbackQuotas = map[Category]int{
	CategoryGeneration: 3,
	CategoryExport:     1,
	CategoryUpload:     5,
}

// Quota returns how many operations of category c an account on plan p may
// perform per Window. Unknown categories get 0.
func Quota(p Plan, c Category) int {
	byPlan, ok := quotas[c]
	if !ok {
		return 0
	}
	if q, ok := byPlan[p]; ok {
		return q
	}
	return fallbackQuotas[c]
}

// Subscription is the plan state stored with an account.
type Subscription struct {
	Plan        Plan      `json:"plan"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	TrialEndsAt time.Time `json:"trial_ends_at"`
}

// NewSubscription starts a subscription on p at now. Trials begin in the
// trialing state, everything else is active.
func NewSubscription(p Plan, now time.Time) Subscription {
	s := Subscription{
		Plan:        p,
		Status:      StatusActive,
		StartedAt:   now,
		TrialEndsAt: now.Add(TrialPeriod),
	}
	if p == Trial {
		s.Status = StatusTrialing
	}
	return s
}

// TrialExpired reports whether a trial subscription is past its end date.
// Non-trial plans never expire this way.
func (s Subscription) TrialExpired(now time.Time) bool {
	if s.Plan != Trial {
		return false
	}
	return now.After(s.TrialEndsAt)
}

// Active reports whether the subscription currently grants access.
func (s Subscription) Active(now time.Time) bool {
	return s.Status == StatusActive ||
		(s.Status == StatusTrialing && !s.TrialExpired(now))
}
