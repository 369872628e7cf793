package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/movie2book/backend/internal/config"
	"github.com/movie2book/backend/internal/models"
)

type LemonSqueezyVerifier struct {
	secret      string
	packCredits int
}

func NewLemonSqueezyVerifier(cfg config.LemonSqueezyConfig) *LemonSqueezyVerifier {
	return &LemonSqueezyVerifier{secret: cfg.WebhookSecret, packCredits: models.DefaultPackCredits}
}

func (v *LemonSqueezyVerifier) Provider() string { return "lemonsqueezy" }

// Verify checks X-Signature, the hex HMAC-SHA256 of the raw body.
func (v *LemonSqueezyVerifier) Verify(_ context.Context, raw []byte, header http.Header) error {
	if v.secret == "" {
		return fmt.Errorf("%w: lemonsqueezy secret not configured", ErrVerificationFailed)
	}
	got, err := hex.DecodeString(strings.TrimSpace(header.Get("X-Signature")))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: bad signature header", ErrVerificationFailed)
	}
	mac := hmac.New(sha256.New, []byte(v.secret))
	mac.Write(raw)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}
	return nil
}

type lemonCustomData struct {
	UserID  string  `json:"user_id"`
	Credits flexInt `json:"credits"`
}

type lemonEvent struct {
	Meta struct {
		EventName  string          `json:"event_name"`
		CustomData lemonCustomData `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         flexString `json:"id"`
		Attributes struct {
			Status     string          `json:"status"`
			UserEmail  string          `json:"user_email"`
			Total      int64           `json:"total"`
			UpdatedAt  string          `json:"updated_at"`
			CustomData lemonCustomData `json:"custom_data"`
		} `json:"attributes"`
	} `json:"data"`
}

func (v *LemonSqueezyVerifier) Extract(raw []byte) (*Effect, error) {
	var evt lemonEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if evt.Data.ID == "" {
		return nil, fmt.Errorf("%w: missing data.id", ErrMalformedEvent)
	}
	attrs := evt.Data.Attributes
	custom := evt.Meta.CustomData
	if custom.UserID == "" {
		custom.UserID = attrs.CustomData.UserID
	}
	if custom.Credits == 0 {
		custom.Credits = attrs.CustomData.Credits
	}
	ref := AccountRef{AccountID: custom.UserID, Email: attrs.UserEmail}
	name := evt.Meta.EventName

	switch name {
	case "order_created":
		if attrs.Status != "paid" {
			return nil, nil
		}
		return &Effect{
			Kind:           EffectGrant,
			EventType:      name,
			Account:        ref,
			Amount:         creditsFor(int(custom.Credits), attrs.Total, attrs.Total > 0, v.packCredits),
			IdempotencyKey: "lemonsqueezy:order:" + string(evt.Data.ID),
		}, nil

	case "subscription_created", "subscription_updated", "subscription_cancelled", "subscription_expired":
		status := models.PlanCancelled
		if name != "subscription_cancelled" && name != "subscription_expired" {
			switch attrs.Status {
			case "active", "on_trial":
				status = models.PlanActive
			case "cancelled", "expired", "unpaid":
			default:
				return nil, nil
			}
		}
		// A subscription changes state many times; each version is one event.
		version := attrs.UpdatedAt
		if version == "" {
			version = status
		}
		return &Effect{
			Kind:           EffectPlan,
			EventType:      name,
			Account:        ref,
			PlanStatus:     status,
			IdempotencyKey: "lemonsqueezy:" + name + ":" + string(evt.Data.ID) + ":" + version,
		}, nil
	}
	return nil, nil
}
