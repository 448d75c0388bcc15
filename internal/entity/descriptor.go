package entity

import "github.com/google/uuid"

// Descriptor is the dispatch queue payload. It only carries identity.
type Descriptor struct {
	FileID  uuid.UUID `json:"file_id"`
	JobID   uuid.UUID `json:"job_id"`
	OwnerID string    `json:"owner_id"`
}
