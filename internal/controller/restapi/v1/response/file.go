package response

import (
	"encoding/json"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
)

type Submit struct {
	FileID string `json:"file_id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type Job struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type File struct {
	ID               string          `json:"id"`
	OriginalFilename string          `json:"original_filename"`
	Title            *string         `json:"title,omitempty"`
	Description      *string         `json:"description,omitempty"`
	Status           string          `json:"status"`
	ExtractedData    json.RawMessage `json:"extracted_data,omitempty"`
	UploadedAt       time.Time       `json:"uploaded_at"`
	Jobs             []Job           `json:"jobs,omitempty"`
}

type Pagination struct {
	TotalItems   int `json:"total_items"`
	TotalPages   int `json:"total_pages"`
	CurrentPage  int `json:"current_page"`
	ItemsPerPage int `json:"items_per_page"`
}

type FileList struct {
	Files      []File     `json:"files"`
	Pagination Pagination `json:"pagination"`
}

func NewJob(j *entity.Job) Job {
	return Job{
		ID:           j.ID.String(),
		Status:       string(j.Status),
		ErrorMessage: j.ErrorMessage,
		Attempts:     j.Attempts,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
	}
}

func NewFile(f *entity.File) File {
	res := File{
		ID:               f.ID.String(),
		OriginalFilename: f.OriginalFilename,
		Title:            f.Title,
		Description:      f.Description,
		Status:           string(f.Status),
		ExtractedData:    f.ExtractedData,
		UploadedAt:       f.UploadedAt,
	}

	for _, j := range f.Jobs {
		res.Jobs = append(res.Jobs, NewJob(j))
	}

	return res
}
