package queue

import (
	"context"
	"fmt"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
)

// OutboxSender publishes outbox events as job descriptors.
type OutboxSender struct {
	q infrastructure.DispatchQueue
}

var _ infrastructure.EventsSender = (*OutboxSender)(nil)

func NewOutboxSender(q infrastructure.DispatchQueue) *OutboxSender {
	return &OutboxSender{q: q}
}

func (s *OutboxSender) SendEvents(ctx context.Context, events []*entity.OutboxEvent) error {
	for _, event := range events {
		d, err := DecodeDescriptor(event.Payload)
		if err != nil {
			return fmt.Errorf("OutboxSender - SendEvents - DecodeDescriptor: %w", err)
		}

		err = s.q.Enqueue(ctx, d)
		if err != nil {
			return fmt.Errorf("OutboxSender - SendEvents - s.q.Enqueue: %w", err)
		}
	}

	return nil
}

// Close is a no-op, the queue is owned and closed by the caller.
func (s *OutboxSender) Close() error {
	return nil
}
