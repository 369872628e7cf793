package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan status values. PlanActive marks a legacy unlimited subscriber.
const (
	PlanFree      = "free"
	PlanActive    = "active"
	PlanCancelled = "cancelled"
)

// ValidPlanStatus reports whether s is one of the known plan states.
func ValidPlanStatus(s string) bool {
	switch s {
	case PlanFree, PlanActive, PlanCancelled:
		return true
	}
	return false
}

type Entitlement struct {
	AccountID         uuid.UUID `json:"account_id"`
	PlanStatus        string    `json:"plan_status"`
	FreeTrialConsumed bool      `json:"free_trial_consumed"`
	CreditBalance     int       `json:"credit_balance"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewEntitlement is the row every account starts with.
func NewEntitlement(accountID uuid.UUID) *Entitlement {
	return &Entitlement{AccountID: accountID, PlanStatus: PlanFree}
}

// EntitlementPatch is a partial update; nil fields are left untouched.
type EntitlementPatch struct {
	PlanStatus        *string
	FreeTrialConsumed *bool
	CreditBalance     *int
}

// Apply merges the patch into e.
func (p EntitlementPatch) Apply(e *Entitlement) {
	if p.PlanStatus != nil {
		e.PlanStatus = *p.PlanStatus
	}
	if p.FreeTrialConsumed != nil {
		e.FreeTrialConsumed = *p.FreeTrialConsumed
	}
	if p.CreditBalance != nil {
		e.CreditBalance = *p.CreditBalance
	}
}
