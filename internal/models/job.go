package models

import (
	"time"

	"github.com/google/uuid"
)

// Job status values. Completed and error are terminal.
const (
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusError      = "error"
)

type Job struct {
	ID             string    `json:"id"`
	AccountID      uuid.UUID `json:"account_id"`
	SourceFilename string    `json:"source_filename"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusError
}
