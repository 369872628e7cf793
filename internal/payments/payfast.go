package payments

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/movie2book/backend/internal/config"
	"github.com/movie2book/backend/internal/models"
)

// PayFastVerifier checks ITN posts: an MD5 signature over the sorted
// fields, then an optional round trip to PayFast's validate endpoint.
type PayFastVerifier struct {
	passphrase  string
	validate    bool
	validateURL string
	client      *http.Client
	packCredits int
}

func NewPayFastVerifier(cfg config.PayFastConfig) *PayFastVerifier {
	return &PayFastVerifier{
		passphrase:  cfg.Passphrase,
		validate:    cfg.Validate,
		validateURL: cfg.ValidateURL(),
		client:      &http.Client{Timeout: 10 * time.Second},
		packCredits: models.DefaultPackCredits,
	}
}

// WithValidateURL overrides the validation endpoint and turns validation on.
func (v *PayFastVerifier) WithValidateURL(u string) *PayFastVerifier {
	v.validateURL = u
	v.validate = true
	return v
}

func (v *PayFastVerifier) Provider() string { return "payfast" }

// Acknowledge writes the plain "OK" PayFast expects.
func (v *PayFastVerifier) Acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (v *PayFastVerifier) Verify(ctx context.Context, raw []byte, _ http.Header) error {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	got := strings.ToLower(form.Get("signature"))
	want := PayFastSignature(form, v.passphrase)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrVerificationFailed)
	}
	if !v.validate {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.validateURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerifierUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: validate returned %d", ErrVerifierUnavailable, resp.StatusCode)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if strings.TrimSpace(string(body)) != "VALID" {
		return fmt.Errorf("%w: validate said %q", ErrVerificationFailed, body)
	}
	return nil
}

// PayFastSignature returns the hex MD5 of the sorted, encoded field list,
// excluding signature itself.
func PayFastSignature(form url.Values, passphrase string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(componentEscape(form.Get(k)))
	}
	if passphrase != "" {
		b.WriteString("&passphrase=")
		b.WriteString(strings.ReplaceAll(componentEscape(passphrase), "+", "%20"))
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

var componentUnescaper = strings.NewReplacer("%21", "!", "%27", "'", "%28", "(", "%29", ")", "%2A", "*")

// componentEscape matches encodeURIComponent with spaces as '+'.
func componentEscape(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

func (v *PayFastVerifier) Extract(raw []byte) (*Effect, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	paymentID := form.Get("pf_payment_id")
	if paymentID == "" {
		return nil, fmt.Errorf("%w: missing pf_payment_id", ErrMalformedEvent)
	}
	status := form.Get("payment_status")
	ref := AccountRef{AccountID: form.Get("m_payment_id"), Email: form.Get("email_address")}
	subscription := form.Get("token") != ""

	switch status {
	case "COMPLETE":
		if subscription {
			return &Effect{Kind: EffectPlan, EventType: status, Account: ref, PlanStatus: models.PlanActive, IdempotencyKey: "payfast:" + paymentID}, nil
		}
		explicit, _ := strconv.Atoi(form.Get("custom_int1"))
		cents, ok := parseCents(form.Get("amount_gross"))
		return &Effect{
			Kind:           EffectGrant,
			EventType:      status,
			Account:        ref,
			Amount:         creditsFor(explicit, cents, ok, v.packCredits),
			IdempotencyKey: "payfast:" + paymentID,
		}, nil
	case "CANCELLED", "FAILED":
		if !subscription {
			return nil, nil
		}
		return &Effect{
			Kind:           EffectPlan,
			EventType:      status,
			Account:        ref,
			PlanStatus:     models.PlanCancelled,
			IdempotencyKey: "payfast:" + paymentID + ":" + strings.ToLower(status),
		}, nil
	}
	return nil, nil
}
