package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/google/uuid"
)

// Envelope wraps a descriptor for drivers that keep delivery state in the
// message body (redis, memory).
type Envelope struct {
	ID         string            `json:"id"`
	Descriptor entity.Descriptor `json:"descriptor"`
	Attempt    int               `json:"attempt"`
	LastError  string            `json:"last_error,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

func NewEnvelope(d entity.Descriptor) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Descriptor: d,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Next is the envelope of the following attempt. It gets a new ID so the
// raw bytes never collide with the previous attempt.
func (e Envelope) Next(cause error) Envelope {
	e.ID = uuid.NewString()
	e.Attempt++
	e.EnqueuedAt = time.Now().UTC()
	if cause != nil {
		e.LastError = cause.Error()
	}

	return e
}

func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("Envelope - Encode - json.Marshal: %w", err)
	}

	return b, nil
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope

	err := json.Unmarshal(b, &e)
	if err != nil {
		return Envelope{}, fmt.Errorf("DecodeEnvelope - json.Unmarshal: %w: %w", errs.ErrMalformedMessage, err)
	}
	if e.Attempt < 1 {
		e.Attempt = 1
	}

	return e, nil
}

func EncodeDescriptor(d entity.Descriptor) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("EncodeDescriptor - json.Marshal: %w", err)
	}

	return b, nil
}

func DecodeDescriptor(b []byte) (entity.Descriptor, error) {
	var d entity.Descriptor

	err := json.Unmarshal(b, &d)
	if err != nil {
		return entity.Descriptor{}, fmt.Errorf("DecodeDescriptor - json.Unmarshal: %w: %w", errs.ErrMalformedMessage, err)
	}
	if d.JobID == uuid.Nil {
		return entity.Descriptor{}, fmt.Errorf("DecodeDescriptor - empty job id: %w", errs.ErrMalformedMessage)
	}

	return d, nil
}
