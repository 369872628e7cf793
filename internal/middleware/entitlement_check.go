package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/ledger"
)

// PaywallBody is the 402 response clients branch on to show the upsell.
const PaywallBody = `{"error":"no credits remaining","code":"PAYWALL"}`

type EntitlementChecker interface {
	CanConsume(ctx context.Context, accountID uuid.UUID, cost int) (ledger.Decision, error)
}

// EntitlementCheck rejects callers without entitlement before the upload
// body is read. The gateway re-checks; this only saves the transfer.
// cost is the credit price of one conversion.
func EntitlementCheck(checker EntitlementChecker, cost int, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	if cost < 1 {
		cost = 1
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromCtx(r.Context())
			if id == nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			d, err := checker.CanConsume(r.Context(), id.AccountID, cost)
			if err != nil {
				if errors.Is(err, ledger.ErrAccountNotResolved) {
					http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
					return
				}
				log.Error("entitlement check", "account_id", id.AccountID, "error", err)
				http.Error(w, `{"error":"failed to check entitlement"}`, http.StatusInternalServerError)
				return
			}
			if !d.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusPaymentRequired)
				_, _ = w.Write([]byte(PaywallBody + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
