package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/movie2book/backend/internal/config"
	"github.com/movie2book/backend/internal/models"
)

var paypalHeaders = []string{
	"Paypal-Auth-Algo",
	"Paypal-Cert-Url",
	"Paypal-Transmission-Id",
	"Paypal-Transmission-Sig",
	"Paypal-Transmission-Time",
}

// PayPalVerifier asks PayPal's verify-webhook-signature API to vouch for
// each delivery.
type PayPalVerifier struct {
	cfg     config.PayPalConfig
	baseURL string
	client  *http.Client
}

func NewPayPalVerifier(cfg config.PayPalConfig) *PayPalVerifier {
	return &PayPalVerifier{
		cfg:     cfg,
		baseURL: cfg.BaseURL(),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the verifier at another API host.
func (v *PayPalVerifier) WithBaseURL(u string) *PayPalVerifier {
	v.baseURL = strings.TrimRight(u, "/")
	return v
}

func (v *PayPalVerifier) Provider() string { return "paypal" }

func (v *PayPalVerifier) Verify(ctx context.Context, raw []byte, header http.Header) error {
	if v.cfg.WebhookID == "" || v.cfg.ClientID == "" || v.cfg.ClientSecret == "" {
		return fmt.Errorf("%w: paypal not configured", ErrVerificationFailed)
	}
	for _, h := range paypalHeaders {
		if header.Get(h) == "" {
			return fmt.Errorf("%w: missing %s", ErrVerificationFailed, h)
		}
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%w: body is not json", ErrVerificationFailed)
	}

	token, err := v.accessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"auth_algo":         header.Get("Paypal-Auth-Algo"),
		"cert_url":          header.Get("Paypal-Cert-Url"),
		"transmission_id":   header.Get("Paypal-Transmission-Id"),
		"transmission_sig":  header.Get("Paypal-Transmission-Sig"),
		"transmission_time": header.Get("Paypal-Transmission-Time"),
		"webhook_id":        v.cfg.WebhookID,
		"webhook_event":     json.RawMessage(raw),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/notifications/verify-webhook-signature", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: verify returned %d", ErrVerifierUnavailable, resp.StatusCode)
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: verify returned %d", ErrVerificationFailed, resp.StatusCode)
	}
	if out.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("%w: status %q", ErrVerificationFailed, out.VerificationStatus)
	}
	return nil
}

func (v *PayPalVerifier) accessToken(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: oauth returned %d", ErrVerifierUnavailable, resp.StatusCode)
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrVerifierUnavailable)
	}
	return out.AccessToken, nil
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID       string `json:"id"`
		CustomID string `json:"custom_id"`
		Amount   struct {
			Value        string `json:"value"`
			CurrencyCode string `json:"currency_code"`
		} `json:"amount"`
		Payer struct {
			EmailAddress string `json:"email_address"`
		} `json:"payer"`
	} `json:"resource"`
}

func (v *PayPalVerifier) Extract(raw []byte) (*Effect, error) {
	var evt paypalEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if evt.EventType != "PAYMENT.CAPTURE.COMPLETED" {
		return nil, nil
	}
	if evt.Resource.ID == "" {
		return nil, fmt.Errorf("%w: capture without id", ErrMalformedEvent)
	}
	cents, ok := parseCents(evt.Resource.Amount.Value)
	if !ok {
		return nil, errors.Join(ErrMalformedEvent, fmt.Errorf("amount %q", evt.Resource.Amount.Value))
	}
	pack, ok := models.PackByPriceCents(cents)
	if !ok {
		// Below the cheapest pack.
		return nil, nil
	}
	return &Effect{
		Kind:           EffectGrant,
		EventType:      evt.EventType,
		Account:        AccountRef{AccountID: evt.Resource.CustomID, Email: evt.Resource.Payer.EmailAddress},
		Amount:         pack.Books,
		IdempotencyKey: "paypal:" + evt.Resource.ID,
	}, nil
}
