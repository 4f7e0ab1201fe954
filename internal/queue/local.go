package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
)

// LocalQueue is an in-process fallback queue used when Redis is not
// configured. One buffered channel per lane, bounded attempts, in-memory
// dead-letter list.
type LocalQueue struct {
	mu          sync.Mutex
	lanes       map[domain.Lane]chan domain.QueueMessage
	bufferSize  int
	maxAttempts int
	logger      *log.Logger

	onDeadLetter DeadLetterFunc
	dlq          map[domain.Lane][]domain.QueueMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		lanes:       make(map[domain.Lane]chan domain.QueueMessage),
		bufferSize:  bufferSize,
		maxAttempts: maxAttempts,
		logger:      logger,
		dlq:         make(map[domain.Lane][]domain.QueueMessage),
	}
}

// SetDeadLetterHandler registers the observer invoked when a job is
// dead-lettered. Must be called before Consume.
func (q *LocalQueue) SetDeadLetterHandler(fn DeadLetterFunc) {
	q.onDeadLetter = fn
}

func (q *LocalQueue) laneChannel(lane domain.Lane) chan domain.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.lanes[lane]
	if !ok {
		ch = make(chan domain.QueueMessage, q.bufferSize)
		q.lanes[lane] = ch
	}
	return ch
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.laneChannel(message.Lane) <- message:
		return nil
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	for _, message := range messages {
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (q *LocalQueue) Outstanding(_ context.Context, lane domain.Lane) (int64, error) {
	return int64(len(q.laneChannel(lane))), nil
}

func (q *LocalQueue) Consume(ctx context.Context, lane domain.Lane, handler Handler) error {
	ch := q.laneChannel(lane)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-ch:
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			if IsNonRetryable(err) {
				q.deadLetter(ctx, lane, message, err)
				continue
			}

			message.Attempt++
			if message.Attempt >= q.maxAttempts {
				q.deadLetter(ctx, lane, message, err)
				continue
			}

			delay := time.Duration(message.Attempt) * 500 * time.Millisecond
			go func(retryMessage domain.QueueMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					ch <- retryMessage
				}
			}(message)
		}
	}
}

func (q *LocalQueue) deadLetter(ctx context.Context, lane domain.Lane, message domain.QueueMessage, cause error) {
	q.mu.Lock()
	q.dlq[lane] = append(q.dlq[lane], message)
	q.mu.Unlock()
	if q.logger != nil {
		q.logger.Printf("local queue moved message to DLQ lane=%s job_id=%s report_id=%s err=%v",
			lane, message.JobID, message.ReportID, cause)
	}
	if q.onDeadLetter != nil {
		q.onDeadLetter(ctx, message, cause)
	}
}

func (q *LocalQueue) DLQSize(lane domain.Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dlq[lane])
}
