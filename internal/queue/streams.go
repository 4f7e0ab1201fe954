package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Addr         string
	Password     string
	DB           int
	StreamPrefix string
	Group        string
	Consumer     string
	MaxAttempts  int
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams,
// one stream per lane plus a dead-letter stream per lane.
type StreamsQueue struct {
	client       *redis.Client
	streamPrefix string
	group        string
	consumer     string
	maxAttempts  int
	onDeadLetter DeadLetterFunc
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "verify"
	}
	if cfg.Group == "" {
		cfg.Group = "verify_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "pipeline-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	q := &StreamsQueue{
		client:       client,
		streamPrefix: cfg.StreamPrefix,
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		maxAttempts:  cfg.MaxAttempts,
	}
	for _, lane := range []domain.Lane{domain.LaneText, domain.LaneImage, domain.LaneFusion} {
		if err := q.ensureGroup(ctx, lane); err != nil {
			client.Close()
			return nil, err
		}
	}
	return q, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

// SetDeadLetterHandler registers the observer invoked when a job is
// moved to a dead-letter stream. Must be called before Consume.
func (q *StreamsQueue) SetDeadLetterHandler(fn DeadLetterFunc) {
	q.onDeadLetter = fn
}

func (q *StreamsQueue) streamFor(lane domain.Lane) string {
	return q.streamPrefix + "_" + string(lane)
}

func (q *StreamsQueue) dlqStreamFor(lane domain.Lane) string {
	return q.streamFor(lane) + "_dlq"
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamFor(message.Lane),
		Values: streamValues(message),
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", ErrEnqueue, message.Lane, err)
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	if len(messages) == 0 {
		return nil
	}

	pipeline := q.client.Pipeline()
	for _, message := range messages {
		pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: q.streamFor(message.Lane),
			Values: streamValues(message),
		})
	}

	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("%w: xadd batch: %v", ErrEnqueue, err)
	}
	return nil
}

func (q *StreamsQueue) Outstanding(ctx context.Context, lane domain.Lane) (int64, error) {
	length, err := q.client.XLen(ctx, q.streamFor(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", lane, err)
	}
	return length, nil
}

func (q *StreamsQueue) Consume(ctx context.Context, lane domain.Lane, handler Handler) error {
	if err := q.ensureGroup(ctx, lane); err != nil {
		return err
	}
	stream := q.streamFor(lane)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup %s: %w", lane, err)
		}

		for _, result := range streams {
			for _, item := range result.Messages {
				message, parseErr := parseStreamMessage(lane, item)
				if parseErr != nil {
					_ = q.sendToDLQ(ctx, lane, domain.QueueMessage{}, item, parseErr.Error())
					_ = q.ackAndDelete(ctx, stream, item.ID)
					continue
				}

				handleErr := handler(ctx, message)
				if handleErr == nil {
					_ = q.ackAndDelete(ctx, stream, item.ID)
					continue
				}

				if IsNonRetryable(handleErr) {
					_ = q.sendToDLQ(ctx, lane, message, item, handleErr.Error())
					_ = q.ackAndDelete(ctx, stream, item.ID)
					q.notifyDeadLetter(ctx, message, handleErr)
					continue
				}

				message.Attempt++
				if message.Attempt >= q.maxAttempts {
					_ = q.sendToDLQ(ctx, lane, message, item, handleErr.Error())
					_ = q.ackAndDelete(ctx, stream, item.ID)
					q.notifyDeadLetter(ctx, message, handleErr)
					continue
				}

				if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
					_ = q.sendToDLQ(ctx, lane, message, item, fmt.Sprintf("requeue failed: %v", requeueErr))
					q.notifyDeadLetter(ctx, message, requeueErr)
				}
				_ = q.ackAndDelete(ctx, stream, item.ID)
			}
		}
	}
}

func (q *StreamsQueue) notifyDeadLetter(ctx context.Context, message domain.QueueMessage, cause error) {
	if q.onDeadLetter != nil && message.JobID != "" {
		q.onDeadLetter(ctx, message, cause)
	}
}

func (q *StreamsQueue) ensureGroup(ctx context.Context, lane domain.Lane) error {
	err := q.client.XGroupCreateMkStream(ctx, q.streamFor(lane), q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group %s: %w", lane, err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, stream, streamID string) error {
	if err := q.client.XAck(ctx, stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(
	ctx context.Context,
	lane domain.Lane,
	message domain.QueueMessage,
	item redis.XMessage,
	errorMessage string,
) error {
	values := streamValues(message)
	values["stream_id"] = item.ID
	values["error"] = errorMessage
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStreamFor(lane), Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq %s: %w", lane, err)
	}
	return nil
}

func streamValues(message domain.QueueMessage) map[string]any {
	return map[string]any{
		"job_id":       message.JobID,
		"report_id":    message.ReportID,
		"lane":         string(message.Lane),
		"cycle":        message.Cycle,
		"payload":      string(message.Payload),
		"attempt":      message.Attempt,
		"requested_at": message.RequestedAt.Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(lane domain.Lane, item redis.XMessage) (domain.QueueMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	jobID, err := getString("job_id")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	reportID, err := getString("report_id")
	if err != nil {
		return domain.QueueMessage{}, err
	}

	cycleString, err := getString("cycle")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	cycle, err := strconv.ParseInt(cycleString, 10, 64)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid cycle: %w", err)
	}

	payloadString, err := getString("payload")
	if err != nil {
		return domain.QueueMessage{}, err
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid requested_at: %w", err)
	}

	return domain.QueueMessage{
		JobID:       jobID,
		ReportID:    reportID,
		Lane:        lane,
		Cycle:       cycle,
		Payload:     []byte(payloadString),
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}
