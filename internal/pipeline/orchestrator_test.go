package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/aapda-setu/verification-pipeline/internal/policy"
	"github.com/aapda-setu/verification-pipeline/internal/queue"
	"github.com/aapda-setu/verification-pipeline/internal/repository"
)

type recordingProducer struct {
	mu       sync.Mutex
	messages []domain.QueueMessage
}

func (p *recordingProducer) Enqueue(_ context.Context, message domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	return nil
}

func (p *recordingProducer) byLane(lane domain.Lane) []domain.QueueMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var filtered []domain.QueueMessage
	for _, message := range p.messages {
		if message.Lane == lane {
			filtered = append(filtered, message)
		}
	}
	return filtered
}

type failingProducer struct{}

func (failingProducer) Enqueue(context.Context, domain.QueueMessage) error {
	return fmt.Errorf("%w: connection refused", queue.ErrEnqueue)
}

func newTestOrchestrator(t *testing.T, producer queue.Producer) (*Orchestrator, *repository.MemoryReportsRepository) {
	t.Helper()
	repo := repository.NewMemoryReportsRepository()
	orchestrator := NewOrchestrator(Dependencies{
		Repo:         repo,
		Producer:     producer,
		Defaults:     policy.NewDefaults(0.5, 0.5),
		StatusPolicy: policy.StatusPolicy{},
		Logger:       log.New(io.Discard, "", 0),
	})
	return orchestrator, repo
}

func createReport(t *testing.T, repo *repository.MemoryReportsRepository, reportID string, mediaRefs []string) {
	t.Helper()
	now := time.Now().UTC()
	err := repo.CreateReport(context.Background(), &domain.Report{
		ID:        reportID,
		TenantID:  "t1",
		Text:      "fire near market",
		MediaRefs: mediaRefs,
		Status:    domain.ReportStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
}

func TestJoinFiresExactlyOnceUnderConcurrentCompletion(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		producer := &recordingProducer{}
		orchestrator, repo := newTestOrchestrator(t, producer)
		reportID := fmt.Sprintf("r-%d", i)
		createReport(t, repo, reportID, []string{"http://x/img.jpg"})

		cycle, err := orchestrator.Submit(ctx, reportID, "fire near market", []string{"http://x/img.jpg"})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			orchestrator.OnScoreComplete(ctx, domain.ScoreResult{
				ReportID: reportID, Lane: domain.LaneText, Score: 0.8,
			}, cycle)
		}()
		go func() {
			defer wg.Done()
			orchestrator.OnScoreComplete(ctx, domain.ScoreResult{
				ReportID: reportID, Lane: domain.LaneImage, Score: 0.6,
			}, cycle)
		}()
		wg.Wait()

		fusionJobs := producer.byLane(domain.LaneFusion)
		if len(fusionJobs) != 1 {
			t.Fatalf("iteration %d: expected exactly 1 fusion job, got %d", i, len(fusionJobs))
		}
	}
}

func TestDuplicateCompletionDoesNotRefireFusion(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	createReport(t, repo, "r1", []string{"http://x/img.jpg"})

	cycle, err := orchestrator.Submit(ctx, "r1", "fire near market", []string{"http://x/img.jpg"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r1", Lane: domain.LaneText, Score: 0.8}, cycle)
	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r1", Lane: domain.LaneImage, Score: 0.6}, cycle)
	// At-least-once delivery can replay a completion.
	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r1", Lane: domain.LaneText, Score: 0.8}, cycle)
	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r1", Lane: domain.LaneImage, Score: 0.6}, cycle)

	if got := len(producer.byLane(domain.LaneFusion)); got != 1 {
		t.Fatalf("expected exactly 1 fusion job after duplicate completions, got %d", got)
	}
}

func TestSkipBranchFiresJoinOnTextCompletionAlone(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	createReport(t, repo, "r2", nil)

	cycle, err := orchestrator.Submit(ctx, "r2", "minor tremor felt", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if got := len(producer.byLane(domain.LaneImage)); got != 0 {
		t.Fatalf("expected no image job without media, got %d", got)
	}

	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r2", Lane: domain.LaneText, Score: 0.3}, cycle)

	fusionJobs := producer.byLane(domain.LaneFusion)
	if len(fusionJobs) != 1 {
		t.Fatalf("expected fusion to fire on text completion alone, got %d jobs", len(fusionJobs))
	}

	var payload domain.FusionJobPayload
	if err := json.Unmarshal(fusionJobs[0].Payload, &payload); err != nil {
		t.Fatalf("decode fusion payload: %v", err)
	}
	if payload.TextScore != 0.3 {
		t.Fatalf("expected text score 0.3, got %v", payload.TextScore)
	}
	if payload.ImageScore != 0.5 {
		t.Fatalf("expected policy-default image score 0.5, got %v", payload.ImageScore)
	}
	if payload.MetadataFeatures.HasImage != 0 {
		t.Fatalf("expected has_image 0, got %d", payload.MetadataFeatures.HasImage)
	}
	if payload.MetadataFeatures.TextLength != len("minor tremor felt") {
		t.Fatalf("unexpected text_length %d", payload.MetadataFeatures.TextLength)
	}
}

func TestSubmitWithMediaEnqueuesFirstImageOnly(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	refs := []string{"http://x/1.jpg", "http://x/2.jpg", "http://x/3.jpg"}
	createReport(t, repo, "r3", refs)

	if _, err := orchestrator.Submit(ctx, "r3", "fire near market", refs); err != nil {
		t.Fatalf("submit: %v", err)
	}

	imageJobs := producer.byLane(domain.LaneImage)
	if len(imageJobs) != 1 {
		t.Fatalf("expected exactly 1 image job, got %d", len(imageJobs))
	}
	var payload domain.ImageJobPayload
	if err := json.Unmarshal(imageJobs[0].Payload, &payload); err != nil {
		t.Fatalf("decode image payload: %v", err)
	}
	if payload.ImageURL != "http://x/1.jpg" {
		t.Fatalf("expected first media ref, got %s", payload.ImageURL)
	}
}

func TestBranchExhaustedSubstitutesDefaultAndJoinProceeds(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	createReport(t, repo, "r4", []string{"http://x/img.jpg"})

	cycle, err := orchestrator.Submit(ctx, "r4", "bridge collapsed", []string{"http://x/img.jpg"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r4", Lane: domain.LaneText, Score: 0.9}, cycle)
	orchestrator.OnBranchExhausted(ctx, domain.QueueMessage{
		ReportID: "r4", Lane: domain.LaneImage, Cycle: cycle,
	}, errors.New("backend unreachable"))

	fusionJobs := producer.byLane(domain.LaneFusion)
	if len(fusionJobs) != 1 {
		t.Fatalf("expected fusion after image exhaustion, got %d jobs", len(fusionJobs))
	}
	var payload domain.FusionJobPayload
	if err := json.Unmarshal(fusionJobs[0].Payload, &payload); err != nil {
		t.Fatalf("decode fusion payload: %v", err)
	}
	if payload.ImageScore != 0.5 {
		t.Fatalf("expected default image score 0.5, got %v", payload.ImageScore)
	}
	if payload.TextScore != 0.9 {
		t.Fatalf("expected text score 0.9, got %v", payload.TextScore)
	}
}

func TestFusionExhaustedLeavesReportPending(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	createReport(t, repo, "r5", nil)

	cycle, err := orchestrator.Submit(ctx, "r5", "smoke downtown", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r5", Lane: domain.LaneText, Score: 0.7}, cycle)

	orchestrator.OnBranchExhausted(ctx, domain.QueueMessage{
		ReportID: "r5", Lane: domain.LaneFusion, Cycle: cycle,
	}, errors.New("fusion backend down"))

	report, err := repo.GetReport(ctx, "r5")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.Status != domain.ReportStatusPending {
		t.Fatalf("expected pending status, got %s", report.Status)
	}
	if report.ConfidenceScore != 0 {
		t.Fatalf("expected confidence to keep prior value 0, got %v", report.ConfidenceScore)
	}
	if orchestrator.Phase("r5") != PhaseDecided {
		t.Fatalf("expected join state cleared after fusion exhaustion")
	}
}

func TestStaleCycleNeverOverwritesNewerDecision(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	createReport(t, repo, "r6", nil)

	firstCycle, err := orchestrator.Submit(ctx, "r6", "first cycle", nil)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	secondCycle, err := orchestrator.Submit(ctx, "r6", "second cycle", nil)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if secondCycle <= firstCycle {
		t.Fatalf("fencing token must increase: %d then %d", firstCycle, secondCycle)
	}

	// The newer cycle decides first.
	newerPayload := domain.FusionJobPayload{TextScore: 0.9, ImageScore: 0.5}
	err = orchestrator.OnFusionComplete(ctx, "r6", secondCycle, newerPayload, domain.FusionResult{FusionScore: 0.9})
	if err != nil {
		t.Fatalf("newer fusion complete: %v", err)
	}

	// The stale in-flight cycle lands afterwards and must be discarded.
	stalePayload := domain.FusionJobPayload{TextScore: 0.2, ImageScore: 0.5}
	err = orchestrator.OnFusionComplete(ctx, "r6", firstCycle, stalePayload, domain.FusionResult{FusionScore: 0.2})
	if err != nil {
		t.Fatalf("stale fusion complete: %v", err)
	}

	report, err := repo.GetReport(ctx, "r6")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.ConfidenceScore != 0.9 {
		t.Fatalf("stale cycle overwrote newer decision: confidence %v", report.ConfidenceScore)
	}
	if report.MLResults == nil || *report.MLResults.TextScore != 0.9 {
		t.Fatalf("ml_results mixed across cycles: %+v", report.MLResults)
	}

	outcomes, err := repo.Outcomes(ctx, "r6")
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected both outcomes recorded, got %d", len(outcomes))
	}
}

func TestStaleScoreFromSupersededCycleIgnored(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	createReport(t, repo, "r7", nil)

	firstCycle, err := orchestrator.Submit(ctx, "r7", "first", nil)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := orchestrator.Submit(ctx, "r7", "second", nil); err != nil {
		t.Fatalf("second submit: %v", err)
	}

	// A worker from the superseded cycle reports late.
	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r7", Lane: domain.LaneText, Score: 0.99}, firstCycle)

	if got := len(producer.byLane(domain.LaneFusion)); got != 0 {
		t.Fatalf("stale score fired fusion for superseded cycle: %d jobs", got)
	}
}

func TestSubmitEnqueueErrorIsSurfaced(t *testing.T) {
	ctx := context.Background()
	orchestrator, repo := newTestOrchestrator(t, failingProducer{})
	createReport(t, repo, "r8", nil)

	_, err := orchestrator.Submit(ctx, "r8", "text", nil)
	if !errors.Is(err, queue.ErrEnqueue) {
		t.Fatalf("expected enqueue error, got %v", err)
	}

	// The report itself is untouched: created pending, never verified.
	report, err := repo.GetReport(ctx, "r8")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.Status != domain.ReportStatusPending || report.ConfidenceScore != 0 {
		t.Fatalf("report mutated by failed submit: %+v", report)
	}
}

func TestSkippedImageBranchYieldsNullImageScore(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	createReport(t, repo, "r10", nil)

	cycle, err := orchestrator.Submit(ctx, "r10", "no media report", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	payload := domain.FusionJobPayload{
		TextScore:        0.3,
		ImageScore:       0.5,
		MetadataFeatures: domain.MetadataFeatures{HasImage: 0, TextLength: 15},
	}
	if err := orchestrator.OnFusionComplete(ctx, "r10", cycle, payload, domain.FusionResult{FusionScore: 0.4}); err != nil {
		t.Fatalf("fusion complete: %v", err)
	}

	outcomes, err := repo.Outcomes(ctx, "r10")
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].ImageScore != nil {
		t.Fatalf("skipped image branch must persist a null image score, got %v", *outcomes[0].ImageScore)
	}
	if outcomes[0].TextScore == nil || *outcomes[0].TextScore != 0.3 {
		t.Fatalf("unexpected text score in outcome: %+v", outcomes[0])
	}
}

func TestPhaseTransitions(t *testing.T) {
	ctx := context.Background()
	producer := &recordingProducer{}
	orchestrator, repo := newTestOrchestrator(t, producer)
	createReport(t, repo, "r9", []string{"http://x/img.jpg"})

	cycle, err := orchestrator.Submit(ctx, "r9", "flood rising", []string{"http://x/img.jpg"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := orchestrator.Phase("r9"); got != PhaseAwaitingScores {
		t.Fatalf("expected awaiting_scores after submit, got %s", got)
	}

	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r9", Lane: domain.LaneText, Score: 0.8}, cycle)
	if got := orchestrator.Phase("r9"); got != PhaseAwaitingScores {
		t.Fatalf("expected awaiting_scores with one branch pending, got %s", got)
	}

	orchestrator.OnScoreComplete(ctx, domain.ScoreResult{ReportID: "r9", Lane: domain.LaneImage, Score: 0.6}, cycle)
	if got := orchestrator.Phase("r9"); got != PhaseAwaitingFusion {
		t.Fatalf("expected awaiting_fusion after join, got %s", got)
	}

	payload := domain.FusionJobPayload{TextScore: 0.8, ImageScore: 0.6, MetadataFeatures: domain.MetadataFeatures{HasImage: 1}}
	if err := orchestrator.OnFusionComplete(ctx, "r9", cycle, payload, domain.FusionResult{FusionScore: 0.71}); err != nil {
		t.Fatalf("fusion complete: %v", err)
	}
	if got := orchestrator.Phase("r9"); got != PhaseDecided {
		t.Fatalf("expected decided after fusion completion, got %s", got)
	}
}
