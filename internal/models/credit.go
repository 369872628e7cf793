package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit ledger entry_type values.
const (
	CreditEntryGrant   = "grant"
	CreditEntryConsume = "consume"
	CreditEntryTrial   = "trial"
	CreditEntryPlan    = "plan"
)

type CreditLedger struct {
	ID             uuid.UUID `json:"id"`
	AccountID      uuid.UUID `json:"account_id"`
	EntryType      string    `json:"entry_type"`
	Amount         int       `json:"amount"`
	BalanceAfter   *int      `json:"balance_after,omitempty"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	JobID          *string   `json:"job_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
