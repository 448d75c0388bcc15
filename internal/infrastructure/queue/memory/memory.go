// Package memory is an in-process dispatch queue. Deliveries are not durable;
// it serves single-process runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
)

const _defaultCapacity = 1024

type DeadLetter struct {
	Envelope queue.Envelope
	Cause    string
}

type Queue struct {
	policy queue.RetryPolicy
	ready  chan queue.Envelope
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	timers   map[*time.Timer]struct{}
	acked    int
	inflight int
	dead     []DeadLetter
}

var (
	_ infrastructure.DispatchQueue    = (*Queue)(nil)
	_ infrastructure.DeliveryConsumer = (*Queue)(nil)
)

func New(policy queue.RetryPolicy, capacity int) *Queue {
	if capacity <= 0 {
		capacity = _defaultCapacity
	}

	return &Queue{
		policy: policy,
		ready:  make(chan queue.Envelope, capacity),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *Queue) Enqueue(ctx context.Context, d entity.Descriptor) error {
	return q.push(ctx, queue.NewEnvelope(d))
}

func (q *Queue) Receive(ctx context.Context) (infrastructure.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("memory.Queue - Receive: %w", ctx.Err())
	case <-q.done:
		return nil, fmt.Errorf("memory.Queue - Receive: %w", errs.ErrQueueClosed)
	case env := <-q.ready:
		q.mu.Lock()
		q.inflight++
		q.mu.Unlock()

		return &delivery{q: q, env: env}, nil
	}
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	for t := range q.timers {
		t.Stop()
	}
	close(q.done)

	return nil
}

// Acked returns how many deliveries were acknowledged.
func (q *Queue) Acked() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.acked
}

// DeadLetters returns a copy of the retained dead letters.
func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	res := make([]DeadLetter, len(q.dead))
	copy(res, q.dead)

	return res
}

// Pending returns the number of messages that are ready, delayed or in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready) + len(q.timers) + q.inflight
}

func (q *Queue) push(ctx context.Context, env queue.Envelope) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return fmt.Errorf("memory.Queue - push: %w", errs.ErrQueueClosed)
	}

	select {
	case q.ready <- env:
		return nil
	case <-q.done:
		return fmt.Errorf("memory.Queue - push: %w", errs.ErrQueueClosed)
	case <-ctx.Done():
		return fmt.Errorf("memory.Queue - push: %w", ctx.Err())
	}
}

func (q *Queue) settle(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight--
	fn()
}

func (q *Queue) schedule(env queue.Envelope, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()

		_ = q.push(context.Background(), env)
	})
	q.timers[t] = struct{}{}
}

type delivery struct {
	q   *Queue
	env queue.Envelope

	once sync.Once
}

func (d *delivery) Descriptor() entity.Descriptor {
	return d.env.Descriptor
}

func (d *delivery) Attempt() int {
	return d.env.Attempt
}

func (d *delivery) LastAttempt() bool {
	return d.q.policy.Exhausted(d.env.Attempt)
}

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.q.settle(func() { d.q.acked++ })
	})

	return nil
}

func (d *delivery) Nack(ctx context.Context, cause error) error {
	if d.LastAttempt() {
		return d.DeadLetter(ctx, cause)
	}

	d.once.Do(func() {
		// schedule before settling so Pending never drops to zero in between
		d.q.schedule(d.env.Next(cause), d.q.policy.Delay(d.env.Attempt))
		d.q.settle(func() {})
	})

	return nil
}

func (d *delivery) DeadLetter(_ context.Context, cause error) error {
	d.once.Do(func() {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}

		d.q.settle(func() {
			d.q.dead = append(d.q.dead, DeadLetter{Envelope: d.env, Cause: msg})
		})
	})

	return nil
}
