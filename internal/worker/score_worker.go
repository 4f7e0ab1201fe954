package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/aapda-setu/verification-pipeline/internal/ml"
	"github.com/aapda-setu/verification-pipeline/internal/pipeline"
	"github.com/aapda-setu/verification-pipeline/internal/quality"
	"github.com/aapda-setu/verification-pipeline/internal/queue"
)

// TextScorer scores report text via the text backend.
type TextScorer interface {
	Score(ctx context.Context, reportID, text string, metadata map[string]string) (float64, error)
}

// ImageScorer dereferences a media URL and scores it via the image backend.
type ImageScorer interface {
	Score(ctx context.Context, reportID, mediaURL string) (ml.ImageAnalysis, error)
}

// ScoreWorker consumes one scoring lane, invokes its backend and reports
// the branch score to the orchestrator's join. Multiple workers per lane
// may run concurrently; jobs carry no shared keyed state.
type ScoreWorker struct {
	lane         domain.Lane
	consumer     queue.Consumer
	textScorer   TextScorer
	imageScorer  ImageScorer
	orchestrator *pipeline.Orchestrator
	jobTimeout   time.Duration
	logger       *log.Logger
}

func NewTextWorker(
	consumer queue.Consumer,
	scorer TextScorer,
	orchestrator *pipeline.Orchestrator,
	jobTimeout time.Duration,
	logger *log.Logger,
) *ScoreWorker {
	return &ScoreWorker{
		lane:         domain.LaneText,
		consumer:     consumer,
		textScorer:   scorer,
		orchestrator: orchestrator,
		jobTimeout:   normalizeTimeout(jobTimeout),
		logger:       logger,
	}
}

func NewImageWorker(
	consumer queue.Consumer,
	scorer ImageScorer,
	orchestrator *pipeline.Orchestrator,
	jobTimeout time.Duration,
	logger *log.Logger,
) *ScoreWorker {
	return &ScoreWorker{
		lane:         domain.LaneImage,
		consumer:     consumer,
		imageScorer:  scorer,
		orchestrator: orchestrator,
		jobTimeout:   normalizeTimeout(jobTimeout),
		logger:       logger,
	}
}

func (w *ScoreWorker) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := w.consumer.Consume(ctx, w.lane, w.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		if w.logger != nil {
			w.logger.Printf("%s worker consume loop error: %v", w.lane, err)
		}

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (w *ScoreWorker) processMessage(ctx context.Context, message domain.QueueMessage) error {
	// Per-job deadline: a hung backend call must not wedge the lane.
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	score, err := w.score(jobCtx, message)
	if err != nil {
		if errors.Is(err, quality.ErrContractViolation) {
			// Backend defect, not a transient fault: surfaced, then the
			// branch falls back to its policy default via dead-letter.
			if w.logger != nil {
				w.logger.Printf("CONTRACT VIOLATION lane=%s report_id=%s job_id=%s err=%v",
					w.lane, message.ReportID, message.JobID, err)
			}
			return queue.NonRetryable(err)
		}
		return fmt.Errorf("%s scoring for %s: %w", w.lane, message.ReportID, err)
	}

	w.orchestrator.OnScoreComplete(ctx, domain.ScoreResult{
		ReportID:   message.ReportID,
		Lane:       w.lane,
		Score:      score,
		ProducedAt: time.Now().UTC(),
	}, message.Cycle)

	if w.logger != nil {
		w.logger.Printf("score produced lane=%s report_id=%s cycle=%d score=%.3f",
			w.lane, message.ReportID, message.Cycle, score)
	}
	return nil
}

func (w *ScoreWorker) score(ctx context.Context, message domain.QueueMessage) (float64, error) {
	switch w.lane {
	case domain.LaneText:
		var payload domain.TextJobPayload
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			return 0, queue.NonRetryable(fmt.Errorf("decode text payload: %w", err))
		}
		return w.textScorer.Score(ctx, message.ReportID, payload.Text, payload.Metadata)
	case domain.LaneImage:
		var payload domain.ImageJobPayload
		if err := json.Unmarshal(message.Payload, &payload); err != nil {
			return 0, queue.NonRetryable(fmt.Errorf("decode image payload: %w", err))
		}
		analysis, err := w.imageScorer.Score(ctx, message.ReportID, payload.ImageURL)
		if err != nil {
			return 0, err
		}
		return analysis.Score, nil
	default:
		return 0, queue.NonRetryable(fmt.Errorf("unsupported lane: %s", w.lane))
	}
}

func normalizeTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 60 * time.Second
	}
	return timeout
}
