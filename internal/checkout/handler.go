// Package checkout sells credit packs through Stripe Checkout.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"

	"github.com/movie2book/backend/internal/middleware"
	"github.com/movie2book/backend/internal/models"
)

var ErrNotConfigured = errors.New("checkout: stripe not configured")

// SessionCreator is satisfied by checkout/session.Client.
type SessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// PortalCreator is satisfied by billingportal/session.Client.
type PortalCreator interface {
	New(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

// Accounts looks up the Stripe customer recorded for an account.
type Accounts interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

type CheckoutRequest struct {
	ProductID string `json:"product_id" validate:"required,oneof=1 3 10"`
}

type CheckoutResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

type PortalResponse struct {
	URL string `json:"url"`
}

type Handler struct {
	sessions SessionCreator
	portal   PortalCreator
	accounts Accounts
	appURL   string
	validate *validator.Validate
	log      *slog.Logger
}

// NewHandler builds the checkout handler. A nil sessions disables checkout.
func NewHandler(sessions SessionCreator, appURL string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{sessions: sessions, appURL: appURL, validate: validator.New(), log: log}
}

// WithPortal enables the billing portal for accounts with a Stripe customer.
func (h *Handler) WithPortal(portal PortalCreator, accounts Accounts) *Handler {
	h.portal, h.accounts = portal, accounts
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /api/v1/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.CreditPacks)
}

// POST /api/v1/checkout
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if h.sessions == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": ErrNotConfigured.Error()})
		return
	}
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown product"})
		return
	}
	pack, _ := models.PackByID(req.ProductID)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(id.AccountID.String()),
		SuccessURL:        stripe.String(h.appURL + "/library?checkout=success&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(h.appURL + "/pricing?checkout=cancelled"),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(string(stripe.CurrencyUSD)),
				UnitAmount: stripe.Int64(pack.PriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(strconv.Itoa(pack.Books) + " book conversion credits"),
				},
			},
		}},
	}
	if id.Email != "" {
		params.CustomerEmail = stripe.String(id.Email)
	}
	params.AddMetadata("credits", strconv.Itoa(pack.Books))
	params.AddMetadata("pack_id", pack.ID)
	params.AddMetadata("account_id", id.AccountID.String())

	sess, err := h.sessions.New(params)
	if err != nil {
		h.log.Error("create checkout session", "account_id", id.AccountID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment provider unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, CheckoutResponse{URL: sess.URL, SessionID: sess.ID})
}

// POST /api/v1/billing-portal
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if h.portal == nil || h.accounts == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": ErrNotConfigured.Error()})
		return
	}
	acc, err := h.accounts.GetByID(r.Context(), id.AccountID)
	if err != nil {
		h.log.Error("portal account lookup", "account_id", id.AccountID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load account"})
		return
	}
	if acc == nil || acc.StripeCustomerID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no subscription found"})
		return
	}

	sess, err := h.portal.New(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(acc.StripeCustomerID),
		ReturnURL: stripe.String(h.appURL + "/account"),
	})
	if err != nil {
		h.log.Error("create portal session", "account_id", id.AccountID, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment provider unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, PortalResponse{URL: sess.URL})
}
