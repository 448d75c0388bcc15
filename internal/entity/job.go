package entity

import (
	"time"

	"github.com/google/uuid"
)

const JobTypeFileProcessing = "fileProcessing"

type Job struct {
	ID     uuid.UUID `json:"id"`
	FileID uuid.UUID `json:"file_id"`

	Type         string    `json:"job_type"`
	Status       JobStatus `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
