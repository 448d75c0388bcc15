package kafka

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msgAt(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "files", Partition: partition, Offset: offset}
}

func TestOffsets_CommitsContiguousPrefixOnly(t *testing.T) {
	o := newOffsets()
	for i := int64(10); i < 13; i++ {
		o.track(msgAt(0, i))
	}

	// 11 и 12 готовы раньше 10 - коммитить нечего
	_, ok := o.settle(msgAt(0, 12))
	assert.False(t, ok)
	_, ok = o.settle(msgAt(0, 11))
	assert.False(t, ok)
	assert.Equal(t, 3, o.inflight())

	mark, ok := o.settle(msgAt(0, 10))
	require.True(t, ok)
	assert.Equal(t, int64(12), mark.Offset)
	assert.Zero(t, o.inflight())
}

func TestOffsets_PartitionsAreIndependent(t *testing.T) {
	o := newOffsets()
	o.track(msgAt(0, 5))
	o.track(msgAt(1, 7))
	o.track(msgAt(1, 8))

	mark, ok := o.settle(msgAt(1, 7))
	require.True(t, ok)
	assert.Equal(t, 1, mark.Partition)
	assert.Equal(t, int64(7), mark.Offset)

	mark, ok = o.settle(msgAt(0, 5))
	require.True(t, ok)
	assert.Equal(t, 0, mark.Partition)
	assert.Equal(t, 1, o.inflight())
}

func TestOffsets_UntrackedAndDuplicates(t *testing.T) {
	o := newOffsets()

	_, ok := o.settle(msgAt(0, 1))
	assert.False(t, ok)

	o.track(msgAt(0, 3))
	o.track(msgAt(0, 3))
	o.track(msgAt(0, 2))
	assert.Equal(t, 2, o.inflight())

	_, ok = o.settle(msgAt(0, 9))
	assert.False(t, ok)

	_, ok = o.settle(msgAt(0, 3))
	assert.False(t, ok)

	mark, ok := o.settle(msgAt(0, 2))
	require.True(t, ok)
	assert.Equal(t, int64(3), mark.Offset)

	// повторное подтверждение уже закоммиченного - no-op
	_, ok = o.settle(msgAt(0, 3))
	assert.False(t, ok)
}
