package jobs

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/middleware"
	"github.com/movie2book/backend/internal/models"
	"github.com/movie2book/backend/internal/processor"
)

// Request/response structs use snake_case JSON.

type SubmitResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	ConsumedVia   string `json:"consumed_via,omitempty"`
	BillingStatus string `json:"billing_status"`
}

type JobResponse struct {
	ID             string    `json:"id"`
	SourceFilename string    `json:"source_filename"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	Error          string    `json:"error,omitempty"`
	Stale          bool      `json:"stale,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Handler struct {
	svc            Service
	maxUploadBytes int64
	log            *slog.Logger
}

func NewHandler(svc Service, maxUploadBytes int64, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, maxUploadBytes: maxUploadBytes, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// POST /api/v1/jobs (multipart, field "video")
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "no video provided")
			return
		}
		if err != nil {
			h.uploadError(w, err)
			return
		}
		if part.FormName() != "video" {
			_ = part.Close()
			continue
		}

		sub, err := h.svc.Submit(r.Context(), id.AccountID, part.FileName(), part)
		_ = part.Close()
		if err != nil {
			h.submitError(w, err, id.AccountID.String())
			return
		}
		writeJSON(w, http.StatusAccepted, SubmitResponse{
			JobID:         sub.Job.ID,
			Status:        sub.Job.Status,
			ConsumedVia:   sub.ConsumedVia,
			BillingStatus: sub.BillingStatus,
		})
		return
	}
}

func (h *Handler) uploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "video too large")
		return
	}
	writeError(w, http.StatusBadRequest, "malformed upload")
}

func (h *Handler) submitError(w http.ResponseWriter, err error, accountID string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ledger.ErrNoCredits):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(middleware.PaywallBody + "\n"))
	case errors.Is(err, ledger.ErrAccountNotResolved):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrMissingFilename):
		writeError(w, http.StatusBadRequest, "video has no filename")
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "video too large")
	case errors.Is(err, processor.ErrUpstreamUnavailable):
		h.log.Warn("processor unavailable", "account_id", accountID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "conversion service unavailable, try again")
	case errors.Is(err, processor.ErrRejected):
		writeError(w, http.StatusUnprocessableEntity, "video rejected by conversion service")
	default:
		h.log.Error("submit job", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

// GET /api/v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.svc.List(r.Context(), id.AccountID)
	if err != nil {
		h.log.Error("list jobs", "account_id", id.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "list jobs failed")
		return
	}
	resp := make([]JobResponse, 0, len(list))
	for _, j := range list {
		resp = append(resp, jobToResponse(j, false))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	st, err := h.svc.Get(r.Context(), id.AccountID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		h.log.Error("get job", "account_id", id.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "get job failed")
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(st.Job, st.Stale))
}

func jobToResponse(j *models.Job, stale bool) JobResponse {
	return JobResponse{
		ID:             j.ID,
		SourceFilename: j.SourceFilename,
		Status:         j.Status,
		Progress:       j.Progress,
		Error:          j.Error,
		Stale:          stale,
		CreatedAt:      j.CreatedAt,
	}
}
