package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/pkg/kafka/consumer"
	"github.com/andreyxaxa/File-Processor/pkg/kafka/producer"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/segmentio/kafka-go"
)

const _maxParked = 256

// EventConsumer reads descriptors from the topic. A retry is re-published to
// the same topic with a not_before header; such messages are parked until it
// passes while the fetch loop keeps reading. Ack commits the offset once every
// earlier message of the partition is settled too.
type EventConsumer struct {
	*consumer.Consumer
	writer *producer.Producer
	topic  string
	policy queue.RetryPolicy

	offsets  *offsets
	commitMu sync.Mutex

	out   chan fetched
	slots chan struct{}

	start  sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type fetched struct {
	d   *delivery
	err error
}

var _ infrastructure.DeliveryConsumer = (*EventConsumer)(nil)

func NewEventConsumer(
	consumer *consumer.Consumer,
	writer *producer.Producer,
	topic string,
	policy queue.RetryPolicy,
) *EventConsumer {
	ctx, cancel := context.WithCancel(context.Background())

	return &EventConsumer{
		Consumer: consumer,
		writer:   writer,
		topic:    topic,
		policy:   policy,
		offsets:  newOffsets(),
		out:      make(chan fetched),
		slots:    make(chan struct{}, _maxParked),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (ec *EventConsumer) Receive(ctx context.Context) (infrastructure.Delivery, error) {
	ec.start.Do(func() {
		ec.wg.Add(1)
		go ec.fetch()
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("EventConsumer - Receive: %w", ctx.Err())
	case <-ec.ctx.Done():
		return nil, fmt.Errorf("EventConsumer - Receive: %w", errs.ErrQueueClosed)
	case f := <-ec.out:
		if f.err != nil {
			return nil, f.err
		}

		return f.d, nil
	}
}

// fetch reads the topic until Close. Every message holds a slot from fetch
// until Receive takes it, which bounds the number of parked messages.
func (ec *EventConsumer) fetch() {
	defer ec.wg.Done()

	for {
		select {
		case ec.slots <- struct{}{}:
		case <-ec.ctx.Done():
			return
		}

		msg, err := ec.Reader.FetchMessage(ec.ctx)
		if err != nil {
			<-ec.slots
			if ec.ctx.Err() != nil {
				return
			}

			ec.emit(fetched{err: fmt.Errorf("EventConsumer - fetch - ec.Reader.FetchMessage: %w", err)})

			continue
		}
		ec.offsets.track(msg)

		d := &delivery{ec: ec, msg: msg, attempt: attemptOf(msg)}

		desc, err := queue.DecodeDescriptor(msg.Value)
		if err != nil {
			// undecodable payloads are parked in the dead letter topic and skipped
			dlErr := d.DeadLetter(ec.ctx, err)
			<-ec.slots
			if dlErr != nil {
				ec.emit(fetched{err: fmt.Errorf("EventConsumer - fetch - d.DeadLetter: %w", dlErr)})
			}

			continue
		}
		d.desc = desc

		ec.schedule(d, notBeforeOf(msg))
	}
}

// schedule hands d out now or parks it until notBefore.
func (ec *EventConsumer) schedule(d *delivery, notBefore time.Time) {
	delay := time.Until(notBefore)
	if delay <= 0 {
		ec.hand(d)

		return
	}

	time.AfterFunc(delay, func() {
		ec.hand(d)
	})
}

// hand passes d to Receive and frees its slot. A message still parked at Close
// is never settled, so the group redelivers it.
func (ec *EventConsumer) hand(d *delivery) {
	defer func() { <-ec.slots }()

	ec.emit(fetched{d: d})
}

func (ec *EventConsumer) emit(f fetched) {
	select {
	case ec.out <- f:
	case <-ec.ctx.Done():
	}
}

func (ec *EventConsumer) Close() error {
	ec.cancel()
	ec.wg.Wait()

	err := ec.Consumer.Close()
	if err != nil {
		return fmt.Errorf("EventConsumer - Close: %w", err)
	}

	return nil
}

// commit settles msg and commits the highest offset every earlier message of
// the partition has reached.
func (ec *EventConsumer) commit(ctx context.Context, msg kafka.Message) error {
	ec.commitMu.Lock()
	defer ec.commitMu.Unlock()

	mark, ok := ec.offsets.settle(msg)
	if !ok {
		return nil
	}

	err := ec.Reader.CommitMessages(ctx, mark)
	if err != nil {
		return fmt.Errorf("EventConsumer - commit - ec.Reader.CommitMessages: %w", err)
	}

	return nil
}

type delivery struct {
	ec      *EventConsumer
	msg     kafka.Message
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
	return d.ec.policy.Exhausted(d.attempt)
}

func (d *delivery) Ack(ctx context.Context) error {
	d.once.Do(func() {
		d.err = d.ec.commit(ctx, d.msg)
	})

	return d.err
}

func (d *delivery) Nack(ctx context.Context, cause error) error {
	if d.LastAttempt() {
		return d.DeadLetter(ctx, cause)
	}

	d.once.Do(func() {
		notBefore := time.Now().Add(d.ec.policy.Delay(d.attempt))
		next := redelivery(d.msg, d.ec.topic, d.attempt+1, notBefore, cause)

		err := d.ec.writer.Writer.WriteMessages(ctx, next)
		if err != nil {
			// not committed: the group redelivers it after a rebalance
			d.err = fmt.Errorf("delivery - Nack - WriteMessages: %w", err)
			return
		}

		d.err = d.ec.commit(ctx, d.msg)
	})

	return d.err
}

func (d *delivery) DeadLetter(ctx context.Context, cause error) error {
	d.once.Do(func() {
		dead := redelivery(d.msg, DeadLetterTopic(d.ec.topic), d.attempt, time.Time{}, cause)

		err := d.ec.writer.Writer.WriteMessages(ctx, dead)
		if err != nil {
			d.err = fmt.Errorf("delivery - DeadLetter - WriteMessages: %w", err)
			return
		}

		d.err = d.ec.commit(ctx, d.msg)
	})

	return d.err
}
