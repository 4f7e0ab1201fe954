package queue

import (
	"context"
	"errors"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
)

// ErrEnqueue wraps failures to insert a job into the queue backend.
var ErrEnqueue = errors.New("queue enqueue failed")

// Handler processes one dequeued message. A nil return acknowledges the
// job; a retryable error triggers the queue's bounded retry policy; a
// non-retryable error dead-letters the job immediately.
type Handler func(ctx context.Context, message domain.QueueMessage) error

// DeadLetterFunc observes a job that exhausted its attempts or failed
// non-retryably. The cause is the last handler error.
type DeadLetterFunc func(ctx context.Context, message domain.QueueMessage, cause error)

// Producer sends jobs to a queue lane.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer registers a handler as a worker of one lane.
type Consumer interface {
	Consume(ctx context.Context, lane domain.Lane, handler Handler) error
}

// Inspector reports the number of outstanding jobs in a lane.
type Inspector interface {
	Outstanding(ctx context.Context, lane domain.Lane) (int64, error)
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks an error so the queue dead-letters the job instead
// of retrying it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err carries the non-retryable marker.
func IsNonRetryable(err error) bool {
	var marker *nonRetryableError
	return errors.As(err, &marker)
}
