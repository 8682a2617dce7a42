package repository

import (
	"time"

	"slidecredit/internal/model"
)

const (
	// TopicLedgerEntries carries one LedgerEvent per committed balance change.
	TopicLedgerEntries = "ledger.entries"

	SubjectDeduct = "commands.deduct"
	SubjectAdd    = "commands.add"
)

// LedgerEvent is published after a ledger entry has been committed.
type LedgerEvent struct {
	Entry       model.LedgerEntry `json:"entry"`
	PublishedAt time.Time         `json:"published_at"`
}
