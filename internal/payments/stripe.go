package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/movie2book/backend/internal/config"
	"github.com/movie2book/backend/internal/models"
)

type StripeVerifier struct {
	webhookSecret string
	packCredits   int
}

func NewStripeVerifier(cfg config.StripeConfig) *StripeVerifier {
	return &StripeVerifier{webhookSecret: cfg.WebhookSecret, packCredits: models.DefaultPackCredits}
}

func (v *StripeVerifier) Provider() string { return "stripe" }

func (v *StripeVerifier) Verify(_ context.Context, raw []byte, header http.Header) error {
	if v.webhookSecret == "" {
		return fmt.Errorf("%w: stripe webhook secret not configured", ErrVerificationFailed)
	}
	_, err := webhook.ConstructEventWithOptions(raw, header.Get("Stripe-Signature"), v.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	return nil
}

func (v *StripeVerifier) Extract(raw []byte) (*Effect, error) {
	var evt stripe.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if evt.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	key := "stripe:" + evt.ID

	switch string(evt.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		ref := AccountRef{AccountID: sess.ClientReferenceID, Email: sess.CustomerEmail}
		if ref.Email == "" && sess.CustomerDetails != nil {
			ref.Email = sess.CustomerDetails.Email
		}
		var customerID string
		if sess.Customer != nil {
			customerID = sess.Customer.ID
		}
		if sess.Mode == stripe.CheckoutSessionModeSubscription {
			return &Effect{Kind: EffectPlan, EventType: string(evt.Type), Account: ref, PlanStatus: models.PlanActive, IdempotencyKey: key, CustomerID: customerID}, nil
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, nil
		}
		explicit, _ := strconv.Atoi(sess.Metadata["credits"])
		return &Effect{
			Kind:           EffectGrant,
			EventType:      string(evt.Type),
			Account:        ref,
			Amount:         creditsFor(explicit, sess.AmountTotal, sess.AmountTotal > 0, v.packCredits),
			IdempotencyKey: key,
			CustomerID:     customerID,
		}, nil

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		status := models.PlanCancelled
		if string(evt.Type) == "customer.subscription.updated" {
			switch sub.Status {
			case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
				status = models.PlanActive
			case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
			default:
				return nil, nil
			}
		}
		ref := AccountRef{AccountID: sub.Metadata["account_id"]}
		var customerID string
		if sub.Customer != nil {
			ref.Email = sub.Customer.Email
			customerID = sub.Customer.ID
		}
		return &Effect{Kind: EffectPlan, EventType: string(evt.Type), Account: ref, PlanStatus: status, IdempotencyKey: key, CustomerID: customerID}, nil
	}
	return nil, nil
}
