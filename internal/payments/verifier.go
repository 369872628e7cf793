// Package payments authenticates provider webhooks and turns them into
// ledger effects. Each provider is one Verifier.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/movie2book/backend/internal/models"
)

var (
	// ErrVerificationFailed means the payload is not provably from the provider.
	ErrVerificationFailed = errors.New("payments: verification failed")
	// ErrVerifierUnavailable means verification could not be completed (provider API down).
	ErrVerifierUnavailable = errors.New("payments: verifier unavailable")
	ErrMalformedEvent      = errors.New("payments: malformed event")
	ErrUnknownProvider     = errors.New("payments: unknown provider")
)

type EffectKind string

const (
	EffectGrant EffectKind = "grant"
	EffectPlan  EffectKind = "plan"
)

// AccountRef identifies the paying account. AccountID is tried first.
type AccountRef struct {
	AccountID string
	Email     string
}

// Effect is the internal shape every provider event maps onto.
type Effect struct {
	Kind           EffectKind
	EventType      string
	Account        AccountRef
	Amount         int
	PlanStatus     string
	IdempotencyKey string
	// CustomerID is the provider's customer reference, when it sends one.
	CustomerID     string
}

// Verifier is one payment provider.
type Verifier interface {
	Provider() string
	// Verify authenticates the raw request body. It never re-serialises it.
	Verify(ctx context.Context, raw []byte, header http.Header) error
	// Extract maps a verified payload to an effect. Events that do not
	// affect entitlements return nil, nil.
	Extract(raw []byte) (*Effect, error)
}

// Acknowledger lets a provider dictate its success response body.
type Acknowledger interface {
	Acknowledge(w http.ResponseWriter)
}

// flexInt accepts numbers and numeric strings; providers send both.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// flexString accepts strings and numbers (ids are numeric on some providers).
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// parseCents converts a decimal money string such as "12.00" to cents.
func parseCents(s string) (int64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return int64(math.Round(v * 100)), true
}

// creditsFor picks the grant size: explicit credits, then the pack the
// amount pays for, then the default pack.
func creditsFor(explicit int, cents int64, hasCents bool, fallback int) int {
	if explicit > 0 {
		return explicit
	}
	if hasCents {
		if p, ok := models.PackByPriceCents(cents); ok {
			return p.Books
		}
	}
	return fallback
}
