package license

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/movie2book/backend/internal/models"
)

// AccountResolver finds or creates the account for a purchaser email.
type AccountResolver interface {
	ResolveEmail(ctx context.Context, email string) (*models.Account, error)
}

type VerifyRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=256"`
}

type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	Email     string `json:"email,omitempty"`
	Token     string `json:"token,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Handler struct {
	verifier     Verifier
	sessions     *Sessions
	accounts     AccountResolver
	secureCookie bool
	validate     *validator.Validate
	log          *slog.Logger
}

func NewHandler(verifier Verifier, sessions *Sessions, accounts AccountResolver, secureCookie bool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		verifier:     verifier,
		sessions:     sessions,
		accounts:     accounts,
		secureCookie: secureCookie,
		validate:     validator.New(),
		log:          log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// POST /api/v1/license/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.LicenseKey = strings.TrimSpace(req.LicenseKey)
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "error": "license key required"})
		return
	}

	purchase, err := h.verifier.Verify(r.Context(), req.LicenseKey)
	if err != nil {
		if errors.Is(err, ErrInvalidLicense) {
			writeJSON(w, http.StatusUnauthorized, VerifyResponse{Valid: false})
			return
		}
		h.log.Error("license verification failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"valid": false, "error": "verification unavailable"})
		return
	}

	acc, err := h.accounts.ResolveEmail(r.Context(), purchase.Email)
	if err != nil {
		h.log.Error("resolve license account", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	token, err := h.sessions.Issue(acc.ID, acc.Email)
	if err != nil {
		h.log.Error("issue license session", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessions.TTL().Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	h.log.Info("license verified", "account_id", acc.ID)
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, Email: acc.Email, Token: token, CreatedAt: purchase.CreatedAt})
}

// GET /api/v1/license/session
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	token := ""
	if c, err := r.Cookie(CookieName); err == nil {
		token = c.Value
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-License-Session"))
	}
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"auth": nil})
		return
	}
	_, email, err := h.sessions.Decode(token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"auth": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"auth": "license", "email": email})
}
