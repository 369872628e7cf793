package payments

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

const maxWebhookBody = 65536

type Handler struct {
	p   *Processor
	log *slog.Logger
}

func NewHandler(p *Processor, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{p: p, log: log}
}

// Webhook serves POST /api/v1/webhooks/{provider}.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "could not read body", http.StatusServiceUnavailable)
		return
	}

	outcome, err := h.p.Process(r.Context(), provider, raw, r.Header)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownProvider):
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	case errors.Is(err, ErrVerificationFailed):
		h.log.Warn("webhook verification failed", "provider", provider, "error", err)
		http.Error(w, "verification failed", http.StatusBadRequest)
		return
	case errors.Is(err, ErrVerifierUnavailable):
		h.log.Error("webhook verification unavailable", "provider", provider, "error", err)
		http.Error(w, "verification unavailable", http.StatusServiceUnavailable)
		return
	default:
		h.log.Error("webhook processing failed", "provider", provider, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	h.log.Info("webhook handled", "provider", provider, "outcome", outcome)
	if v, ok := h.p.Verifier(provider); ok {
		if ack, ok := v.(Acknowledger); ok {
			ack.Acknowledge(w)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"received": true, "outcome": outcome})
}
