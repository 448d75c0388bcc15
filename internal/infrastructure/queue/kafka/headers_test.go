package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptOf(t *testing.T) {
	tests := []struct {
		name    string
		headers []kafka.Header
		want    int
	}{
		{"no header", nil, 1},
		{"garbage", []kafka.Header{{Key: headerAttempt, Value: []byte("x")}}, 1},
		{"zero", []kafka.Header{{Key: headerAttempt, Value: []byte("0")}}, 1},
		{"third", []kafka.Header{{Key: headerAttempt, Value: []byte("3")}}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, attemptOf(kafka.Message{Headers: tt.headers}))
		})
	}
}

func TestRedelivery(t *testing.T) {
	orig := kafka.Message{
		Topic:     "files",
		Partition: 2,
		Offset:    17,
		Key:       []byte("file-id"),
		Value:     []byte(`{"fileId":"x"}`),
		Headers:   []kafka.Header{{Key: headerAttempt, Value: []byte("1")}, {Key: "trace", Value: []byte("t")}},
	}
	notBefore := time.UnixMilli(1_700_000_000_123)

	next := redelivery(orig, "files", 2, notBefore, errors.New("read failed"))

	assert.Equal(t, "files", next.Topic)
	assert.Equal(t, orig.Key, next.Key)
	assert.Equal(t, orig.Value, next.Value)
	assert.Zero(t, next.Offset)
	assert.Equal(t, 2, attemptOf(next))
	assert.True(t, notBefore.Equal(notBeforeOf(next)))

	cause, ok := header(next, headerError)
	require.True(t, ok)
	assert.Equal(t, "read failed", cause)

	_, ok = header(next, "trace")
	assert.False(t, ok)

	dead := redelivery(orig, DeadLetterTopic("files"), 3, time.Time{}, nil)
	assert.Equal(t, "files.dlq", dead.Topic)
	assert.True(t, notBeforeOf(dead).IsZero())
	_, ok = header(dead, headerError)
	assert.False(t, ok)
}
