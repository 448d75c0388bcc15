package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type File struct {
	ID      uuid.UUID `json:"id"`
	OwnerID string    `json:"owner_id"`

	OriginalFilename string  `json:"original_filename"`
	StorageKey       string  `json:"-"`
	Title            *string `json:"title,omitempty"`
	Description      *string `json:"description,omitempty"`

	Status        FileStatus      `json:"status"`
	ExtractedData json.RawMessage `json:"extracted_data,omitempty"` // set only when processed

	UploadedAt time.Time `json:"uploaded_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	Jobs []*Job `json:"jobs,omitempty"`
}
