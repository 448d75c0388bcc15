package entity

import (
	"time"

	"github.com/google/uuid"
)

type OutboxEvent struct {
	ID          uuid.UUID  `json:"id"`
	AggregateID uuid.UUID  `json:"aggregate_id"` // job id
	Payload     []byte     `json:"payload"`      // encoded Descriptor
	Status      Status     `json:"status"`       // pending, processing, processed, failed
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"` // set when a relay marks it processing
	RetryCount  int        `json:"retry_count"`
}
