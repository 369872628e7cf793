package ledger

import "errors"

var (
	// ErrNoCredits means the account may not start another conversion.
	// Callers surface it as a paywall, never as a server error.
	ErrNoCredits = errors.New("ledger: no credits")

	// ErrAccountNotResolved is returned when an operation is called without an account.
	ErrAccountNotResolved = errors.New("ledger: account not resolved")

	// ErrStoreUnavailable wraps every persistence failure.
	ErrStoreUnavailable = errors.New("ledger: store unavailable")

	ErrInvalidAmount         = errors.New("ledger: amount must be positive")
	ErrMissingIdempotencyKey = errors.New("ledger: idempotency key required")
	ErrInvalidPlanStatus     = errors.New("ledger: invalid plan status")
)

// IsPaywall reports whether err should be shown to the user as an upsell.
func IsPaywall(err error) bool { return errors.Is(err, ErrNoCredits) }
