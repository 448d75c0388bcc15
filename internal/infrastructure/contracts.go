package infrastructure

import (
	"context"

	"github.com/andreyxaxa/File-Processor/internal/entity"
)

type (
	EventsSender interface {
		SendEvents(ctx context.Context, events []*entity.OutboxEvent) error
		Close() error
	}

	// DispatchQueue is the producer side of the at-least-once job queue.
	DispatchQueue interface {
		Enqueue(ctx context.Context, d entity.Descriptor) error
		Close() error
	}

	// DeliveryConsumer blocks in Receive until a delivery is available or ctx
	// is done.
	DeliveryConsumer interface {
		Receive(ctx context.Context) (Delivery, error)
		Close() error
	}

	// Delivery is one received message. Exactly one of Ack, Nack or DeadLetter
	// must be called.
	Delivery interface {
		Descriptor() entity.Descriptor
		// Attempt starts at 1.
		Attempt() int
		LastAttempt() bool
		// Ack removes the message.
		Ack(ctx context.Context) error
		// Nack schedules a redelivery after backoff, or dead-letters the
		// message once attempts are exhausted.
		Nack(ctx context.Context, cause error) error
		// DeadLetter retains the message for inspection without redelivery.
		DeadLetter(ctx context.Context, cause error) error
	}
)
