package model

import (
	"time"

	"slidecredit/internal/plan"
)

// Account holds the credit balance of one user. It lives as long as the user.
type Account struct {
	ID           string            `json:"id"`
	Credits      int64             `json:"credits"`
	Subscription plan.Subscription `json:"subscription"`
	Usage        Usage             `json:"usage"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Usage counts what an account has consumed since LastResetAt.
type Usage struct {
	SlidesGenerated      int64     `json:"slides_generated"`
	PresentationsCreated int64     `json:"presentations_created"`
	ExportsUsed          int64     `json:"exports_used"`
	DocumentsProcessed   int64     `json:"documents_processed"`
	LastResetAt          time.Time `json:"last_reset_at"`
}

func (u Usage) IsZero() bool {
	return u.SlidesGenerated == 0 && u.PresentationsCreated == 0 &&
		u.ExportsUsed == 0 && u.DocumentsProcessed == 0
}

// Add returns u with the counters of d added. d may be negative; counters
// stop at zero. LastResetAt is kept.
func (u Usage) Add(d Usage) Usage {
	u.SlidesGenerated = max(0, u.SlidesGenerated+d.SlidesGenerated)
	u.PresentationsCreated = max(0, u.PresentationsCreated+d.PresentationsCreated)
	u.ExportsUsed = max(0, u.ExportsUsed+d.ExportsUsed)
	u.DocumentsProcessed = max(0, u.DocumentsProcessed+d.DocumentsProcessed)
	return u
}

// Negate returns u with every counter sign-flipped.
func (u Usage) Negate() Usage {
	return Usage{
		SlidesGenerated:      -u.SlidesGenerated,
		PresentationsCreated: -u.PresentationsCreated,
		ExportsUsed:          -u.ExportsUsed,
		DocumentsProcessed:   -u.DocumentsProcessed,
	}
}
