package books

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/middleware"
	"github.com/movie2book/backend/internal/processor"
)

type ResultResponse struct {
	BookID    string `json:"book_id"`
	Title     string `json:"title"`
	Narrative string `json:"narrative"`
}

type BookSummary struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type BookResponse struct {
	BookSummary
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Handler struct {
	collector *Collector
	log       *slog.Logger
}

func NewHandler(collector *Collector, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{collector: collector, log: log}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// GET /api/v1/jobs/{id}/result
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobID := r.PathValue("id")
	job, err := h.collector.jobs.GetByID(r.Context(), jobID)
	if err != nil {
		h.log.Error("load job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch result")
		return
	}
	if job == nil || job.AccountID != id.AccountID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	book, err := h.collector.Collect(r.Context(), jobID)
	switch {
	case err == nil:
	case errors.Is(err, processor.ErrResultNotReady), errors.Is(err, processor.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "result not ready")
		return
	case errors.Is(err, processor.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "conversion service unavailable, try again")
		return
	default:
		h.log.Error("collect result", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch result")
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{BookID: book.ID.String(), Title: book.Title, Narrative: book.Content})
}

// GET /api/v1/books
func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	list, err := h.collector.books.ListByAccount(r.Context(), id.AccountID)
	if err != nil {
		h.log.Error("list books", "account_id", id.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "list books failed")
		return
	}
	resp := make([]BookSummary, 0, len(list))
	for _, b := range list {
		resp = append(resp, BookSummary{ID: b.ID.String(), JobID: b.JobID, Title: b.Title, CreatedAt: b.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/v1/books/{id}
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromCtx(r.Context())
	if id == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	bookID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	b, err := h.collector.books.GetByID(r.Context(), bookID)
	if err != nil {
		h.log.Error("get book", "book_id", bookID, "error", err)
		writeError(w, http.StatusInternalServerError, "get book failed")
		return
	}
	if b == nil || b.AccountID != id.AccountID {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	writeJSON(w, http.StatusOK, BookResponse{
		BookSummary: BookSummary{ID: b.ID.String(), JobID: b.JobID, Title: b.Title, CreatedAt: b.CreatedAt},
		Content:     b.Content,
		UpdatedAt:   b.UpdatedAt,
	})
}
