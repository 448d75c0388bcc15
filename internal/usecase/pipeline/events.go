package pipeline

import (
	"sync"
	"time"

	"github.com/andreyxaxa/File-Processor/pkg/logger"
	"github.com/google/uuid"
)

type EventType string

const (
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventSkipped   EventType = "skipped"
	// a redelivery found the job still processing from the same attempt,
	// or the queue took a message back from a consumer that went away
	EventStalled EventType = "stalled"
	// the job stayed in processing too long and was failed
	EventExpired EventType = "expired"
)

// Event describes one step of a delivery through the worker.
type Event struct {
	Type     EventType
	JobID    uuid.UUID
	FileID   uuid.UUID
	OwnerID  string
	Attempt  int
	Err      error
	Duration time.Duration // engine run time; zero for active and skipped
	At       time.Time
}

type Listener func(Event)

// Events is a set of listeners called synchronously, in subscription order,
// on the worker goroutine. A panicking listener does not affect the others.
type Events struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
	order     []int
}

func NewEvents() *Events {
	return &Events{listeners: make(map[int]Listener)}
}

// Subscribe adds l and returns a function that removes it.
func (e *Events) Subscribe(l Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.next
	e.next++
	e.listeners[id] = l
	e.order = append(e.order, id)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		delete(e.listeners, id)
		for i, v := range e.order {
			if v == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
	}
}

func (e *Events) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	e.mu.RLock()
	ls := make([]Listener, 0, len(e.order))
	for _, id := range e.order {
		ls = append(ls, e.listeners[id])
	}
	e.mu.RUnlock()

	for _, l := range ls {
		call(l, ev)
	}
}

func call(l Listener, ev Event) {
	defer func() {
		_ = recover()
	}()

	l(ev)
}

// LogListener writes every event to l.
func LogListener(l logger.Interface) Listener {
	return func(ev Event) {
		switch ev.Type {
		case EventFailed:
			l.Error(ev.Err, "job failed: job_id=%s file_id=%s attempt=%d", ev.JobID, ev.FileID, ev.Attempt)
		case EventExpired:
			l.Error(ev.Err, "job expired: job_id=%s file_id=%s attempts=%d", ev.JobID, ev.FileID, ev.Attempt)
		case EventStalled:
			l.Warn("job stalled: job_id=%s file_id=%s attempt=%d", ev.JobID, ev.FileID, ev.Attempt)
		case EventRetrying:
			l.Warn("job retrying: job_id=%s file_id=%s attempt=%d err=%v", ev.JobID, ev.FileID, ev.Attempt, ev.Err)
		case EventCompleted:
			l.Info("job completed: job_id=%s file_id=%s attempt=%d took=%s", ev.JobID, ev.FileID, ev.Attempt, ev.Duration)
		default:
			l.Debug("job %s: job_id=%s file_id=%s attempt=%d", ev.Type, ev.JobID, ev.FileID, ev.Attempt)
		}
	}
}
