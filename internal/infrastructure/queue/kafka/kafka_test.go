package kafka

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/andreyxaxa/File-Processor/internal/entity"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/pkg/kafka/consumer"
	"github.com/andreyxaxa/File-Processor/pkg/kafka/producer"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

// setupKafka запускает брокер в контейнере и создает топик с его dlq.
func setupKafka(t *testing.T, topic string) []string {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION is not set")
	}

	ctx := context.Background()

	container, err := tckafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("files-test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	cc, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(
		kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1},
		kafka.TopicConfig{Topic: DeadLetterTopic(topic), NumPartitions: 1, ReplicationFactor: 1},
	))

	return brokers
}

type kafkaEnv struct {
	brokers []string
	topic   string
	group   string
	ep      *EventProducer
	ec      *EventConsumer
	writer  *producer.Producer
}

func newKafkaEnv(t *testing.T) *kafkaEnv {
	t.Helper()

	topic := "files-" + uuid.NewString()[:8]
	brokers := setupKafka(t, topic)
	ctx := context.Background()

	p, err := producer.New(ctx, brokers, producer.AutoCreateTopics(false), producer.BatchTimeout(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	group := "files-workers-" + uuid.NewString()[:8]
	c, err := consumer.New(ctx, brokers, group, topic, consumer.MaxWait(100*time.Millisecond))
	require.NoError(t, err)

	ec := NewEventConsumer(c, p, topic, queue.NewRetryPolicy(2, 50*time.Millisecond))
	t.Cleanup(func() { _ = ec.Close() })

	return &kafkaEnv{
		brokers: brokers,
		topic:   topic,
		group:   group,
		ep:      NewEventProducer(p, topic),
		ec:      ec,
		writer:  p,
	}
}

func (e *kafkaEnv) receive(t *testing.T) infrastructure.Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := e.ec.Receive(ctx)
	require.NoError(t, err)

	return d
}

// committed returns the next offset the group resumes from, -1 when none.
func (e *kafkaEnv) committed(t *testing.T) int64 {
	t.Helper()

	client := &kafka.Client{Addr: kafka.TCP(e.brokers...)}

	resp, err := client.OffsetFetch(context.Background(), &kafka.OffsetFetchRequest{
		GroupID: e.group,
		Topics:  map[string][]int{e.topic: {0}},
	})
	require.NoError(t, err)
	require.NoError(t, resp.Error)

	partitions := resp.Topics[e.topic]
	require.Len(t, partitions, 1)

	return partitions[0].CommittedOffset
}

func (e *kafkaEnv) deadLetters(t *testing.T, n int) []kafka.Message {
	t.Helper()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   e.brokers,
		Topic:     DeadLetterTopic(e.topic),
		Partition: 0,
		MaxWait:   100 * time.Millisecond,
	})
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res := make([]kafka.Message, 0, n)
	for len(res) < n {
		msg, err := r.ReadMessage(ctx)
		require.NoError(t, err)
		res = append(res, msg)
	}

	return res
}

func descriptor() entity.Descriptor {
	return entity.Descriptor{FileID: uuid.New(), JobID: uuid.New(), OwnerID: "user-1"}
}

func TestKafka_AckNackDeadLetter(t *testing.T) {
	e := newKafkaEnv(t)
	ctx := context.Background()

	a, b, c := descriptor(), descriptor(), descriptor()
	for _, d := range []entity.Descriptor{a, b, c} {
		require.NoError(t, e.ep.Enqueue(ctx, d))
	}

	d1, d2, d3 := e.receive(t), e.receive(t), e.receive(t)
	assert.Equal(t, a.JobID, d1.Descriptor().JobID)
	assert.Equal(t, b.JobID, d2.Descriptor().JobID)
	assert.Equal(t, c.JobID, d3.Descriptor().JobID)
	assert.Equal(t, 1, d1.Attempt())

	// подтверждения не по порядку не сдвигают оффсет за незавершенное сообщение
	require.NoError(t, d3.Ack(ctx))
	require.NoError(t, d2.Nack(ctx, errors.New("read failed")))
	assert.Equal(t, int64(-1), e.committed(t))

	require.NoError(t, d1.Ack(ctx))
	assert.Equal(t, int64(3), e.committed(t))

	// повтор приходит после задержки со следующей попыткой
	retry := e.receive(t)
	assert.Equal(t, b.JobID, retry.Descriptor().JobID)
	assert.Equal(t, 2, retry.Attempt())
	assert.True(t, retry.LastAttempt())

	require.NoError(t, retry.Nack(ctx, errors.New("boom")))
	assert.Equal(t, int64(4), e.committed(t))

	dead := e.deadLetters(t, 1)
	got, err := queue.DecodeDescriptor(dead[0].Value)
	require.NoError(t, err)
	assert.Equal(t, b.JobID, got.JobID)
	cause, ok := header(dead[0], headerError)
	require.True(t, ok)
	assert.Equal(t, "boom", cause)
}

func TestKafka_MalformedPayloadIsDeadLettered(t *testing.T) {
	e := newKafkaEnv(t)
	ctx := context.Background()

	require.NoError(t, e.writer.Writer.WriteMessages(ctx, kafka.Message{Topic: e.topic, Value: []byte("{not json")}))

	next := descriptor()
	require.NoError(t, e.ep.Enqueue(ctx, next))

	d := e.receive(t)
	assert.Equal(t, next.JobID, d.Descriptor().JobID)
	require.NoError(t, d.DeadLetter(ctx, errors.New("rejected")))

	assert.Equal(t, int64(2), e.committed(t))

	dead := e.deadLetters(t, 2)
	assert.Equal(t, []byte("{not json"), dead[0].Value)
	cause, ok := header(dead[1], headerError)
	require.True(t, ok)
	assert.Equal(t, "rejected", cause)
}
