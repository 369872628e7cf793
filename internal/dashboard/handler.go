package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/middleware"
	"github.com/movie2book/backend/internal/models"
)

type Accounts interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Ledger is the read side of ledger.Service.
type Ledger interface {
	Entitlement(ctx context.Context, accountID uuid.UUID) (*models.Entitlement, error)
	History(ctx context.Context, accountID uuid.UUID) ([]*models.CreditLedger, error)
}

type EntitlementResponse struct {
	PlanStatus        string `json:"plan_status"`
	FreeTrialConsumed bool   `json:"free_trial_consumed"`
	CreditBalance     int    `json:"credit_balance"`
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason"`
}

type MeResponse struct {
	ID          string              `json:"id"`
	Email       string              `json:"email"`
	AuthSource  string              `json:"auth_source"`
	Entitlement EntitlementResponse `json:"entitlement"`
	CreatedAt   time.Time           `json:"created_at"`
}

type LedgerEntryResponse struct {
	ID           string    `json:"id"`
	EntryType    string    `json:"entry_type"`
	Amount       int       `json:"amount"`
	BalanceAfter *int      `json:"balance_after,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	JobID        *string   `json:"job_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Handler struct {
	accounts Accounts
	ledger   Ledger
	log      *slog.Logger
}

func NewHandler(accounts Accounts, l Ledger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{accounts: accounts, ledger: l, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func entitlementToResponse(e *models.Entitlement) EntitlementResponse {
	d := ledger.Evaluate(e)
	return EntitlementResponse{
		PlanStatus:        e.PlanStatus,
		FreeTrialConsumed: e.FreeTrialConsumed,
		CreditBalance:     e.CreditBalance,
		Allowed:           d.Allowed,
		Reason:            d.Reason,
	}
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	acc, err := h.accounts.GetByID(r.Context(), id.AccountID)
	if err != nil {
		h.log.Error("get account", "account_id", id.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if acc == nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	e, err := h.ledger.Entitlement(r.Context(), id.AccountID)
	if err != nil {
		h.log.Error("get entitlement", "account_id", id.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load entitlement")
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{
		ID:          acc.ID.String(),
		Email:       acc.Email,
		AuthSource:  id.Source,
		Entitlement: entitlementToResponse(e),
		CreatedAt:   acc.CreatedAt,
	})
}

// GET /api/v1/entitlement
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	e, err := h.ledger.Entitlement(r.Context(), id.AccountID)
	if err != nil {
		h.log.Error("get entitlement", "account_id", id.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load entitlement")
		return
	}
	writeJSON(w, http.StatusOK, entitlementToResponse(e))
}

// GET /api/v1/credit-ledger
func (h *Handler) ListCreditLedger(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.ledger.History(r.Context(), id.AccountID)
	if err != nil {
		h.log.Error("list credit ledger", "account_id", id.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load credit ledger")
		return
	}
	resp := make([]LedgerEntryResponse, 0, len(list))
	for _, c := range list {
		resp = append(resp, LedgerEntryResponse{
			ID:           c.ID.String(),
			EntryType:    c.EntryType,
			Amount:       c.Amount,
			BalanceAfter: c.BalanceAfter,
			Provider:     c.Provider,
			JobID:        c.JobID,
			CreatedAt:    c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
