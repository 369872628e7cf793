package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/movie2book/backend/internal/auth"
	"github.com/movie2book/backend/internal/books"
	"github.com/movie2book/backend/internal/checkout"
	"github.com/movie2book/backend/internal/dashboard"
	"github.com/movie2book/backend/internal/jobs"
	"github.com/movie2book/backend/internal/license"
	"github.com/movie2book/backend/internal/middleware"
	"github.com/movie2book/backend/internal/payments"
)

// HealthChecker is implemented by processor.Client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Handlers struct {
	Auth      *auth.Handler
	License   *license.Handler
	Jobs      *jobs.Handler
	Books     *books.Handler
	Dashboard *dashboard.Handler
	Payments  *payments.Handler
	Checkout  *checkout.Handler

	Resolver middleware.Resolver
	Checker  middleware.EntitlementChecker
	// Cost is the credit price of one conversion; zero means 1.
	Cost     int
	Health   HealthChecker
	Log      *slog.Logger
}

// New returns an http.Handler that serves the API under /api/v1 plus /health.
func New(h Handlers) http.Handler {
	if h.Log == nil {
		h.Log = slog.Default()
	}
	mux := http.NewServeMux()
	base := "/api/v1"

	authed := middleware.RequireIdentity(h.Resolver, h.Log)
	protect := func(f http.HandlerFunc) http.Handler { return authed(f) }

	mux.HandleFunc("GET /health", health(h.Health))

	mux.HandleFunc("POST "+base+"/auth/register", h.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", h.Auth.Login)
	mux.HandleFunc("POST "+base+"/license/verify", h.License.Verify)
	mux.HandleFunc("GET "+base+"/license/session", h.License.Session)

	mux.HandleFunc("POST "+base+"/webhooks/{provider}", h.Payments.Webhook)
	mux.HandleFunc("GET "+base+"/products", h.Checkout.ListProducts)
	mux.Handle("POST "+base+"/checkout", protect(h.Checkout.CreateSession))
	mux.Handle("POST "+base+"/billing-portal", protect(h.Checkout.CreatePortalSession))

	// Entitlement is checked before the upload body is read.
	mux.Handle("POST "+base+"/jobs", authed(middleware.EntitlementCheck(h.Checker, h.Cost, h.Log)(http.HandlerFunc(h.Jobs.CreateJob))))
	mux.Handle("GET "+base+"/jobs", protect(h.Jobs.ListJobs))
	mux.Handle("GET "+base+"/jobs/{id}", protect(h.Jobs.GetJob))
	mux.Handle("GET "+base+"/jobs/{id}/result", protect(h.Books.GetResult))
	mux.Handle("GET "+base+"/books", protect(h.Books.ListBooks))
	mux.Handle("GET "+base+"/books/{id}", protect(h.Books.GetBook))

	mux.Handle("GET "+base+"/account/me", protect(h.Dashboard.GetMe))
	mux.Handle("GET "+base+"/entitlement", protect(h.Dashboard.GetEntitlement))
	mux.Handle("GET "+base+"/credit-ledger", protect(h.Dashboard.ListCreditLedger))

	return mux
}

// health never fails; a slow or absent processor is reported, not propagated.
func health(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.Health(ctx); err != nil {
				status = "unavailable"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "processor": status})
	}
}
