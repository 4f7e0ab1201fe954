package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/aapda-setu/verification-pipeline/internal/pipeline"
	"github.com/aapda-setu/verification-pipeline/internal/policy"
	"github.com/aapda-setu/verification-pipeline/internal/quality"
	"github.com/aapda-setu/verification-pipeline/internal/queue"
	"github.com/aapda-setu/verification-pipeline/internal/repository"
)

type fakeTextScorer struct {
	score    float64
	err      error
	attempts atomic.Int32
}

func (s *fakeTextScorer) Score(context.Context, string, string, map[string]string) (float64, error) {
	s.attempts.Add(1)
	if s.err != nil {
		return 0, s.err
	}
	return s.score, nil
}

type workerHarness struct {
	queue        *queue.LocalQueue
	orchestrator *pipeline.Orchestrator
	repo         *repository.MemoryReportsRepository
	fusionJobs   chan domain.FusionJobPayload
}

func startHarness(t *testing.T, ctx context.Context, scorer TextScorer) *workerHarness {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	localQueue := queue.NewLocalQueue(64, 3, logger)
	repo := repository.NewMemoryReportsRepository()
	orchestrator := pipeline.NewOrchestrator(pipeline.Dependencies{
		Repo:     repo,
		Producer: localQueue,
		Defaults: policy.NewDefaults(0.5, 0.5),
		Logger:   logger,
	})
	localQueue.SetDeadLetterHandler(orchestrator.OnBranchExhausted)

	textWorker := NewTextWorker(localQueue, scorer, orchestrator, time.Second, logger)
	go textWorker.Start(ctx)

	fusionJobs := make(chan domain.FusionJobPayload, 4)
	go func() {
		_ = localQueue.Consume(ctx, domain.LaneFusion, func(_ context.Context, message domain.QueueMessage) error {
			var payload domain.FusionJobPayload
			if err := json.Unmarshal(message.Payload, &payload); err != nil {
				t.Errorf("decode fusion payload: %v", err)
				return nil
			}
			fusionJobs <- payload
			return nil
		})
	}()

	return &workerHarness{queue: localQueue, orchestrator: orchestrator, repo: repo, fusionJobs: fusionJobs}
}

func (h *workerHarness) submit(t *testing.T, ctx context.Context, reportID, text string) {
	t.Helper()
	now := time.Now().UTC()
	err := h.repo.CreateReport(ctx, &domain.Report{
		ID:        reportID,
		Text:      text,
		Status:    domain.ReportStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	if _, err := h.orchestrator.Submit(ctx, reportID, text, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func awaitFusion(t *testing.T, jobs chan domain.FusionJobPayload) domain.FusionJobPayload {
	t.Helper()
	select {
	case payload := <-jobs:
		return payload
	case <-time.After(10 * time.Second):
		t.Fatal("fusion job never fired")
		return domain.FusionJobPayload{}
	}
}

func TestTextWorkerFeedsScoreIntoJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scorer := &fakeTextScorer{score: 0.8}
	harness := startHarness(t, ctx, scorer)
	harness.submit(t, ctx, "r1", "fire near market")

	payload := awaitFusion(t, harness.fusionJobs)
	if payload.TextScore != 0.8 {
		t.Fatalf("expected text score 0.8, got %v", payload.TextScore)
	}
	if payload.ImageScore != 0.5 {
		t.Fatalf("expected skipped image default 0.5, got %v", payload.ImageScore)
	}
	if scorer.attempts.Load() != 1 {
		t.Fatalf("expected 1 scoring attempt, got %d", scorer.attempts.Load())
	}
}

func TestTextWorkerRetriesThenSubstitutesDefault(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scorer := &fakeTextScorer{err: errors.New("backend unreachable")}
	harness := startHarness(t, ctx, scorer)
	harness.submit(t, ctx, "r2", "minor tremor felt")

	payload := awaitFusion(t, harness.fusionJobs)
	if payload.TextScore != 0.5 {
		t.Fatalf("expected default text score after exhaustion, got %v", payload.TextScore)
	}
	if scorer.attempts.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts before default, got %d", scorer.attempts.Load())
	}
}

func TestTextWorkerContractViolationIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scorer := &fakeTextScorer{err: fmt.Errorf("%w: text_score=1.7 outside [0,1]", quality.ErrContractViolation)}
	harness := startHarness(t, ctx, scorer)
	harness.submit(t, ctx, "r3", "flood rising")

	payload := awaitFusion(t, harness.fusionJobs)
	if payload.TextScore != 0.5 {
		t.Fatalf("expected default text score after contract violation, got %v", payload.TextScore)
	}
	if scorer.attempts.Load() != 1 {
		t.Fatalf("contract violation must not be retried, got %d attempts", scorer.attempts.Load())
	}
}

func TestTextWorkerMalformedPayloadIsDeadLettered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.New(io.Discard, "", 0)
	localQueue := queue.NewLocalQueue(64, 3, logger)
	repo := repository.NewMemoryReportsRepository()
	orchestrator := pipeline.NewOrchestrator(pipeline.Dependencies{
		Repo:     repo,
		Producer: localQueue,
		Defaults: policy.NewDefaults(0.5, 0.5),
		Logger:   logger,
	})

	deadLettered := make(chan domain.QueueMessage, 1)
	localQueue.SetDeadLetterHandler(func(_ context.Context, message domain.QueueMessage, _ error) {
		deadLettered <- message
	})

	scorer := &fakeTextScorer{score: 0.9}
	textWorker := NewTextWorker(localQueue, scorer, orchestrator, time.Second, logger)
	go textWorker.Start(ctx)

	err := localQueue.Enqueue(ctx, domain.QueueMessage{
		JobID:    "job-bad",
		ReportID: "r4",
		Lane:     domain.LaneText,
		Payload:  []byte("{not-json"),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case message := <-deadLettered:
		if message.JobID != "job-bad" {
			t.Fatalf("unexpected dead-lettered job %s", message.JobID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("malformed payload was never dead-lettered")
	}
	if scorer.attempts.Load() != 0 {
		t.Fatalf("scorer must not be called for malformed payload, got %d attempts", scorer.attempts.Load())
	}
}
