package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/pkg/kafka/producer"
	"github.com/segmentio/kafka-go"
)

const (
	headerAttempt   = "attempt"
	headerNotBefore = "not_before"
	headerError     = "error"
)

// DeadLetterTopic is where exhausted and rejected descriptors are retained.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

type EventProducer struct {
	*producer.Producer
	topic string
}

var _ infrastructure.DispatchQueue = (*EventProducer)(nil)

func NewEventProducer(producer *producer.Producer, topic string) *EventProducer {
	return &EventProducer{
		producer,
		topic,
	}
}

// Enqueue keys messages by file id so attempts for one file share a partition.
func (ep *EventProducer) Enqueue(ctx context.Context, d entity.Descriptor) error {
	value, err := queue.EncodeDescriptor(d)
	if err != nil {
		return fmt.Errorf("EventProducer - Enqueue: %w", err)
	}

	err = ep.Writer.WriteMessages(ctx, kafka.Message{
		Topic: ep.topic,
		Key:   []byte(d.FileID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerAttempt, Value: []byte("1")},
		},
	})
	if err != nil {
		return fmt.Errorf("EventProducer - Enqueue - ep.Writer.WriteMessages: %w", err)
	}

	return nil
}

func (ep *EventProducer) Close() error {
	err := ep.Producer.Close()
	if err != nil {
		return fmt.Errorf("EventProducer - Close: %w", err)
	}

	return nil
}

func header(msg kafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}

	return "", false
}

func attemptOf(msg kafka.Message) int {
	v, ok := header(msg, headerAttempt)
	if !ok {
		return 1
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}

	return n
}

func notBeforeOf(msg kafka.Message) time.Time {
	v, ok := header(msg, headerNotBefore)
	if !ok {
		return time.Time{}
	}

	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}

// redelivery copies msg for the given topic with fresh delivery headers.
func redelivery(msg kafka.Message, topic string, attempt int, notBefore time.Time, cause error) kafka.Message {
	headers := []kafka.Header{
		{Key: headerAttempt, Value: []byte(strconv.Itoa(attempt))},
	}
	if !notBefore.IsZero() {
		headers = append(headers, kafka.Header{Key: headerNotBefore, Value: []byte(strconv.FormatInt(notBefore.UnixMilli(), 10))})
	}
	if cause != nil {
		headers = append(headers, kafka.Header{Key: headerError, Value: []byte(cause.Error())})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
}
