// Package rabbitmq is a dispatch queue on a durable RabbitMQ queue with
// manual acknowledgements. Each retry level has its own queue whose TTL is
// the backoff delay for that level; expired messages dead-letter back into
// the main queue. Exhausted and rejected messages go to <queue>.dlq.
package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/pkg/rabbitmq"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	headerAttempt   = "x-attempt"
	headerLastError = "x-last-error"
	contentType     = "application/json"
)

func DeadLetterQueue(name string) string {
	return name + ".dlq"
}

func retryQueue(name string, attempt int) string {
	return name + ".retry." + strconv.Itoa(attempt)
}

type Queue struct {
	name   string
	policy queue.RetryPolicy

	pubMu sync.Mutex
	pubCh *amqp.Channel

	consCh *amqp.Channel
	msgs   <-chan amqp.Delivery

	closeOnce sync.Once
}

var (
	_ infrastructure.DispatchQueue    = (*Queue)(nil)
	_ infrastructure.DeliveryConsumer = (*Queue)(nil)
)

// New declares the topology. With consume set it also starts a consumer
// with the given prefetch.
func New(rmq *rabbitmq.RabbitMQ, name string, policy queue.RetryPolicy, consume bool, prefetch int) (*Queue, error) {
	pubCh, err := rmq.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq.Queue - New: %w", err)
	}

	q := &Queue{
		name:   name,
		policy: policy,
		pubCh:  pubCh,
	}

	err = q.declare()
	if err != nil {
		_ = pubCh.Close()
		return nil, fmt.Errorf("rabbitmq.Queue - New: %w", err)
	}

	if !consume {
		return q, nil
	}

	q.consCh, err = rmq.Channel()
	if err != nil {
		_ = pubCh.Close()
		return nil, fmt.Errorf("rabbitmq.Queue - New: %w", err)
	}

	err = q.consCh.Qos(prefetch, 0, false)
	if err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("rabbitmq.Queue - New - q.consCh.Qos: %w", err)
	}

	q.msgs, err = q.consCh.Consume(
		name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("rabbitmq.Queue - New - q.consCh.Consume: %w", err)
	}

	return q, nil
}

func (q *Queue) declare() error {
	_, err := q.pubCh.QueueDeclare(q.name, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq.Queue - declare - QueueDeclare %s: %w", q.name, err)
	}

	_, err = q.pubCh.QueueDeclare(DeadLetterQueue(q.name), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq.Queue - declare - QueueDeclare %s: %w", DeadLetterQueue(q.name), err)
	}

	for attempt := 1; attempt < q.policy.MaxAttempts; attempt++ {
		_, err = q.pubCh.QueueDeclare(retryQueue(q.name, attempt), true, false, false, false, amqp.Table{
			"x-message-ttl":             q.policy.Delay(attempt).Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.name,
		})
		if err != nil {
			return fmt.Errorf("rabbitmq.Queue - declare - QueueDeclare retry %d: %w", attempt, err)
		}
	}

	return nil
}

func (q *Queue) Enqueue(ctx context.Context, d entity.Descriptor) error {
	body, err := queue.EncodeDescriptor(d)
	if err != nil {
		return fmt.Errorf("rabbitmq.Queue - Enqueue: %w", err)
	}

	err = q.publish(ctx, q.name, body, amqp.Table{headerAttempt: int32(1)})
	if err != nil {
		return fmt.Errorf("rabbitmq.Queue - Enqueue: %w", err)
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context) (infrastructure.Delivery, error) {
	if q.msgs == nil {
		return nil, fmt.Errorf("rabbitmq.Queue - Receive: producer only: %w", errs.ErrQueueClosed)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rabbitmq.Queue - Receive: %w", ctx.Err())
		case msg, ok := <-q.msgs:
			if !ok {
				return nil, fmt.Errorf("rabbitmq.Queue - Receive: %w", errs.ErrQueueClosed)
			}

			d := &delivery{q: q, msg: msg, attempt: attemptOf(msg.Headers)}

			desc, err := queue.DecodeDescriptor(msg.Body)
			if err != nil {
				dlErr := d.DeadLetter(ctx, err)
				if dlErr != nil {
					return nil, fmt.Errorf("rabbitmq.Queue - Receive - d.DeadLetter: %w", dlErr)
				}

				continue
			}
			d.desc = desc

			return d, nil
		}
	}
}

func (q *Queue) Close() error {
	var err error

	q.closeOnce.Do(func() {
		if q.consCh != nil {
			err = q.consCh.Close()
		}

		q.pubMu.Lock()
		defer q.pubMu.Unlock()

		pubErr := q.pubCh.Close()
		if err == nil {
			err = pubErr
		}
	})

	if err != nil {
		return fmt.Errorf("rabbitmq.Queue - Close: %w", err)
	}

	return nil
}

func (q *Queue) publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	err := q.pubCh.PublishWithContext(ctx,
		"",         // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Timestamp:    time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("q.pubCh.PublishWithContext %s: %w", routingKey, err)
	}

	return nil
}

func attemptOf(h amqp.Table) int {
	var n int

	switch v := h[headerAttempt].(type) {
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case int:
		n = v
	case int16:
		n = int(v)
	case string:
		n, _ = strconv.Atoi(v)
	}

	if n < 1 {
		return 1
	}

	return n
}

type delivery struct {
	q       *Queue
	msg     amqp.Delivery
	desc    entity.Descriptor
	attempt int

	once sync.Once
	err  error
}

func (d *delivery) Descriptor() entity.Descriptor {
	return d.desc
}

func (d *delivery) Attempt() int {
	return d.attempt
}

func (d *delivery) LastAttempt() bool {
	return d.q.policy.Exhausted(d.attempt)
}

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		err := d.msg.Ack(false)
		if err != nil {
			d.err = fmt.Errorf("delivery - Ack - d.msg.Ack: %w", err)
		}
	})

	return d.err
}

func (d *delivery) Nack(ctx context.Context, cause error) error {
	if d.LastAttempt() {
		return d.DeadLetter(ctx, cause)
	}

	d.once.Do(func() {
		d.err = d.forward(ctx, retryQueue(d.q.name, d.attempt), d.attempt+1, cause)
	})

	return d.err
}

func (d *delivery) DeadLetter(ctx context.Context, cause error) error {
	d.once.Do(func() {
		d.err = d.forward(ctx, DeadLetterQueue(d.q.name), d.attempt, cause)
	})

	return d.err
}

// forward republishes the body to routingKey and acks the original. If the
// publish fails the original is requeued instead.
func (d *delivery) forward(ctx context.Context, routingKey string, attempt int, cause error) error {
	headers := amqp.Table{headerAttempt: int32(attempt)}
	if cause != nil {
		headers[headerLastError] = cause.Error()
	}

	err := d.q.publish(ctx, routingKey, d.msg.Body, headers)
	if err != nil {
		_ = d.msg.Nack(false, true)
		return fmt.Errorf("delivery - forward: %w", err)
	}

	err = d.msg.Ack(false)
	if err != nil {
		return fmt.Errorf("delivery - forward - d.msg.Ack: %w", err)
	}

	return nil
}
