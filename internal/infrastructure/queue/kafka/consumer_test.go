package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// detached builds a consumer whose fetch loop never starts, so tests feed
// schedule directly.
func detached(t *testing.T) *EventConsumer {
	t.Helper()

	ec := NewEventConsumer(nil, nil, "files", queue.NewRetryPolicy(3, time.Millisecond))
	ec.start.Do(func() {})
	t.Cleanup(ec.cancel)

	return ec
}

func park(ec *EventConsumer, offset int64, notBefore time.Time) *delivery {
	d := &delivery{ec: ec, msg: msgAt(0, offset), attempt: 2}
	ec.slots <- struct{}{}

	go ec.schedule(d, notBefore)

	return d
}

func TestSchedule_ParkedMessageDoesNotBlockDueOnes(t *testing.T) {
	ec := detached(t)
	ctx := context.Background()

	start := time.Now()
	parked := park(ec, 1, start.Add(100*time.Millisecond))
	due := park(ec, 2, time.Time{})

	got, err := ec.Receive(ctx)
	require.NoError(t, err)
	assert.Same(t, due, got)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	got, err = ec.Receive(ctx)
	require.NoError(t, err)
	assert.Same(t, parked, got)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	assert.Eventually(t, func() bool { return len(ec.slots) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSchedule_ReturnsWhileParked(t *testing.T) {
	ec := detached(t)
	ec.slots <- struct{}{}

	done := make(chan struct{})
	go func() {
		ec.schedule(&delivery{ec: ec, msg: msgAt(0, 1)}, time.Now().Add(time.Hour))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("schedule blocked on a parked message")
	}
	assert.Len(t, ec.slots, 1)
}

func TestReceive_Closed(t *testing.T) {
	ec := detached(t)
	park(ec, 1, time.Now().Add(20*time.Millisecond))

	ec.cancel()

	_, err := ec.Receive(context.Background())
	assert.ErrorIs(t, err, errs.ErrQueueClosed)

	// припаркованное сообщение не подтверждается и освобождает слот
	assert.Eventually(t, func() bool { return len(ec.slots) == 0 }, time.Second, 5*time.Millisecond)
}

func TestReceive_ContextCancelled(t *testing.T) {
	ec := detached(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ec.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
