package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/aapda-setu/verification-pipeline/internal/pipeline"
	"github.com/aapda-setu/verification-pipeline/internal/quality"
	"github.com/aapda-setu/verification-pipeline/internal/queue"
)

// Fuser combines both branch scores and metadata features into a verdict.
type Fuser interface {
	Fuse(ctx context.Context, textScore, imageScore float64, features domain.MetadataFeatures) (domain.FusionResult, error)
}

// FusionWorker consumes the fusion lane and applies the verdict to the
// report record through the orchestrator.
type FusionWorker struct {
	consumer     queue.Consumer
	fuser        Fuser
	orchestrator *pipeline.Orchestrator
	jobTimeout   time.Duration
	logger       *log.Logger
}

func NewFusionWorker(
	consumer queue.Consumer,
	fuser Fuser,
	orchestrator *pipeline.Orchestrator,
	jobTimeout time.Duration,
	logger *log.Logger,
) *FusionWorker {
	return &FusionWorker{
		consumer:     consumer,
		fuser:        fuser,
		orchestrator: orchestrator,
		jobTimeout:   normalizeTimeout(jobTimeout),
		logger:       logger,
	}
}

func (w *FusionWorker) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := w.consumer.Consume(ctx, domain.LaneFusion, w.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		if w.logger != nil {
			w.logger.Printf("fusion worker consume loop error: %v", err)
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

func (w *FusionWorker) processMessage(ctx context.Context, message domain.QueueMessage) error {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	var payload domain.FusionJobPayload
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		return queue.NonRetryable(fmt.Errorf("decode fusion payload: %w", err))
	}

	result, err := w.fuser.Fuse(jobCtx, payload.TextScore, payload.ImageScore, payload.MetadataFeatures)
	if err != nil {
		if errors.Is(err, quality.ErrContractViolation) {
			if w.logger != nil {
				w.logger.Printf("CONTRACT VIOLATION lane=fusion report_id=%s job_id=%s err=%v",
					message.ReportID, message.JobID, err)
			}
			return queue.NonRetryable(err)
		}
		return fmt.Errorf("fuse scores for %s: %w", message.ReportID, err)
	}
	result.ReportID = message.ReportID

	if err := w.orchestrator.OnFusionComplete(ctx, message.ReportID, message.Cycle, payload, result); err != nil {
		return fmt.Errorf("apply fusion outcome for %s: %w", message.ReportID, err)
	}

	if w.logger != nil {
		w.logger.Printf("fusion complete report_id=%s cycle=%d score=%.3f",
			message.ReportID, message.Cycle, result.FusionScore)
	}
	return nil
}
