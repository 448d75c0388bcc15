package errs

import "errors"

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrFileNotFound      = errors.New("File not found")
	ErrForbidden         = errors.New("access denied")
	ErrInvalidTransition = errors.New("invalid status transition")

	// processing failures
	ErrIO          = errors.New("io error")
	ErrCompression = errors.New("compression error")

	// queue payload cannot be decoded; dead-lettered by the driver
	ErrMalformedMessage = errors.New("malformed queue message")
	ErrQueueClosed      = errors.New("queue closed")

	// store is unreachable or a write did not commit
	ErrPersistence = errors.New("persistence error")

	// job never reached the queue, its outbox event ran out of retries
	ErrDispatchFailed = errors.New("dispatch failed")
	// job stayed in processing with no worker settling it
	ErrStalled = errors.New("job stalled")
)

// Retryable reports whether a processing failure may succeed on redelivery.
func Retryable(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrCompression)
}

// Catastrophic reports whether the failure must not be turned into a terminal
// job state and the message has to go back to the queue instead.
func Catastrophic(err error) bool {
	return errors.Is(err, ErrPersistence)
}
