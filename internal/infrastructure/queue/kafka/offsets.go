package kafka

import (
	"slices"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsets tracks fetched messages per partition. A partition is committed
// only up to the end of its contiguous settled prefix, so a commit never
// covers a message that is still being processed or is parked.
type offsets struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64 // sorted
	settled map[int64]kafka.Message
}

func newOffsets() *offsets {
	return &offsets{partitions: make(map[int]*partitionOffsets)}
}

func (o *offsets) track(msg kafka.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.partitions[msg.Partition]
	if !ok {
		p = &partitionOffsets{settled: make(map[int64]kafka.Message)}
		o.partitions[msg.Partition] = p
	}

	i, found := slices.BinarySearch(p.pending, msg.Offset)
	if found {
		return
	}
	p.pending = slices.Insert(p.pending, i, msg.Offset)
}

// settle marks msg as done and returns the message to commit, if the
// settled prefix of its partition grew.
func (o *offsets) settle(msg kafka.Message) (kafka.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.partitions[msg.Partition]
	if !ok {
		return kafka.Message{}, false
	}

	if _, found := slices.BinarySearch(p.pending, msg.Offset); !found {
		return kafka.Message{}, false
	}
	p.settled[msg.Offset] = msg

	var (
		mark  kafka.Message
		moved bool
	)
	for len(p.pending) > 0 {
		m, done := p.settled[p.pending[0]]
		if !done {
			break
		}

		delete(p.settled, p.pending[0])
		p.pending = p.pending[1:]
		mark, moved = m, true
	}

	return mark, moved
}

// inflight is the number of tracked offsets not yet committed.
func (o *offsets) inflight() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := 0
	for _, p := range o.partitions {
		n += len(p.pending)
	}

	return n
}
