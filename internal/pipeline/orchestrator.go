package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/aapda-setu/verification-pipeline/internal/policy"
	"github.com/aapda-setu/verification-pipeline/internal/queue"
	"github.com/aapda-setu/verification-pipeline/internal/repository"
)

// CyclePhase is the verification sub-state of one cycle.
type CyclePhase string

const (
	PhaseAwaitingScores CyclePhase = "awaiting_scores"
	PhaseAwaitingFusion CyclePhase = "awaiting_fusion"
	PhaseDecided        CyclePhase = "decided"
)

// joinState is the partial-join bookkeeping for one verification cycle.
// Exactly one fusion job fires per cycle regardless of the order in
// which the two scoring branches complete.
type joinState struct {
	cycle        int64
	features     domain.MetadataFeatures
	textScore    *float64
	imageScore   *float64
	imageSkipped bool
	fusionFired  bool
}

// Orchestrator drives one report through scoring to a final verdict,
// tolerating partial failure of either scoring branch.
type Orchestrator struct {
	repo         repository.ReportsRepository
	producer     queue.Producer
	defaults     policy.Defaults
	statusPolicy policy.StatusPolicy
	logger       *log.Logger

	mu    sync.Mutex
	joins map[string]*joinState
}

type Dependencies struct {
	Repo         repository.ReportsRepository
	Producer     queue.Producer
	Defaults     policy.Defaults
	StatusPolicy policy.StatusPolicy
	Logger       *log.Logger
}

func NewOrchestrator(deps Dependencies) *Orchestrator {
	return &Orchestrator{
		repo:         deps.Repo,
		producer:     deps.Producer,
		defaults:     deps.Defaults,
		statusPolicy: deps.StatusPolicy,
		logger:       deps.Logger,
		joins:        make(map[string]*joinState),
	}
}

// Submit starts a verification cycle: a text job always, an image job
// for the first media reference when media is present, otherwise the
// image branch is skipped with the policy-default score so the join
// never blocks on an absent branch. The call does not wait for scoring.
func (o *Orchestrator) Submit(ctx context.Context, reportID, text string, mediaRefs []string) (int64, error) {
	cycle, err := o.repo.NextVerificationCycle(ctx, reportID)
	if err != nil {
		return 0, fmt.Errorf("allocate cycle for %s: %w", reportID, err)
	}

	hasImage := 0
	if len(mediaRefs) > 0 {
		hasImage = 1
	}
	features := domain.MetadataFeatures{
		HasImage:   hasImage,
		TextLength: len(text),
	}

	o.mu.Lock()
	// A new cycle supersedes any in-flight join for the same report.
	o.joins[reportID] = &joinState{cycle: cycle, features: features}
	if len(mediaRefs) == 0 {
		score := o.defaults.ImageScore
		o.joins[reportID].imageScore = &score
		o.joins[reportID].imageSkipped = true
	}
	o.mu.Unlock()

	textPayload, err := json.Marshal(domain.TextJobPayload{Text: text, Metadata: map[string]string{}})
	if err != nil {
		return 0, fmt.Errorf("encode text payload: %w", err)
	}
	if err := o.enqueue(ctx, reportID, domain.LaneText, cycle, textPayload); err != nil {
		return 0, err
	}

	if len(mediaRefs) > 0 {
		// Only the first image is scored; this bounds latency and cost.
		imagePayload, err := json.Marshal(domain.ImageJobPayload{ImageURL: mediaRefs[0]})
		if err != nil {
			return 0, fmt.Errorf("encode image payload: %w", err)
		}
		if err := o.enqueue(ctx, reportID, domain.LaneImage, cycle, imagePayload); err != nil {
			// The text job is already in flight; substituting the image
			// default keeps the cycle moving instead of wedging it.
			o.logf("image enqueue failed, substituting default score report_id=%s cycle=%d err=%v",
				reportID, cycle, err)
			o.recordScore(ctx, reportID, cycle, domain.LaneImage, o.defaults.ImageScore)
		}
	}

	return cycle, nil
}

// OnScoreComplete records one branch score and fires fusion the first
// time both branches are known. Safe to call concurrently from both
// lanes; a stale or duplicate completion is ignored.
func (o *Orchestrator) OnScoreComplete(ctx context.Context, result domain.ScoreResult, cycle int64) {
	o.recordScore(ctx, result.ReportID, cycle, result.Lane, result.Score)
}

// OnBranchExhausted substitutes the policy-default score for a scoring
// branch whose retries are spent, so verification makes forward
// progress under persistent backend failure. A dead-lettered fusion job
// is only reported: the report keeps its prior status and confidence.
func (o *Orchestrator) OnBranchExhausted(ctx context.Context, message domain.QueueMessage, cause error) {
	switch message.Lane {
	case domain.LaneText:
		o.logf("text branch exhausted, substituting default score report_id=%s cycle=%d err=%v",
			message.ReportID, message.Cycle, cause)
		o.recordScore(ctx, message.ReportID, message.Cycle, domain.LaneText, o.defaults.TextScore)
	case domain.LaneImage:
		o.logf("image branch exhausted, substituting default score report_id=%s cycle=%d err=%v",
			message.ReportID, message.Cycle, cause)
		o.recordScore(ctx, message.ReportID, message.Cycle, domain.LaneImage, o.defaults.ImageScore)
	case domain.LaneFusion:
		o.logf("fusion permanently failed, report stays pending report_id=%s cycle=%d err=%v",
			message.ReportID, message.Cycle, cause)
		o.clearJoin(message.ReportID, message.Cycle)
	}
}

// OnFusionComplete persists the verification outcome. The write is
// fenced by the cycle token: a stale cycle's outcome is recorded but
// never overwrites a newer decision on the report record.
func (o *Orchestrator) OnFusionComplete(
	ctx context.Context,
	reportID string,
	cycle int64,
	payload domain.FusionJobPayload,
	result domain.FusionResult,
) error {
	textScore := payload.TextScore
	outcome := domain.VerificationOutcome{
		ReportID:    reportID,
		Cycle:       cycle,
		FusionScore: result.FusionScore,
		TextScore:   &textScore,
		IsDuplicate: result.IsDuplicate,
		IsTampered:  result.IsTampered,
		DecidedAt:   time.Now().UTC(),
	}
	if payload.MetadataFeatures.HasImage == 1 {
		imageScore := payload.ImageScore
		outcome.ImageScore = &imageScore
	}

	status := o.statusPolicy.Derive(result.FusionScore)
	applied, err := o.repo.WriteVerification(ctx, outcome, status)
	if err != nil {
		return fmt.Errorf("write verification for %s: %w", reportID, err)
	}
	if !applied {
		o.logf("superseded outcome discarded report_id=%s cycle=%d", reportID, cycle)
	}

	o.clearJoin(reportID, cycle)
	return nil
}

// Phase reports the verification sub-state of the report's current
// cycle. A report with no in-flight join is Decided (or never submitted).
func (o *Orchestrator) Phase(reportID string) CyclePhase {
	o.mu.Lock()
	defer o.mu.Unlock()

	js, ok := o.joins[reportID]
	if !ok {
		return PhaseDecided
	}
	if js.fusionFired {
		return PhaseAwaitingFusion
	}
	return PhaseAwaitingScores
}

func (o *Orchestrator) recordScore(ctx context.Context, reportID string, cycle int64, lane domain.Lane, score float64) {
	o.mu.Lock()
	js, ok := o.joins[reportID]
	if !ok || js.cycle != cycle {
		o.mu.Unlock()
		o.logf("stale score ignored report_id=%s cycle=%d lane=%s", reportID, cycle, lane)
		return
	}

	if js.fusionFired {
		if js.textScore == nil || js.imageScore == nil {
			// Fusion fired with a branch still unknown: a join invariant
			// bug, not a normal race. Log loudly, never swallow.
			o.logf("JOIN RACE ANOMALY: fusion fired while awaiting scores report_id=%s cycle=%d lane=%s",
				reportID, cycle, lane)
		}
		o.mu.Unlock()
		return
	}

	switch lane {
	case domain.LaneText:
		if js.textScore == nil {
			js.textScore = &score
		}
	case domain.LaneImage:
		if js.imageScore == nil {
			js.imageScore = &score
		}
	}

	if js.textScore == nil || js.imageScore == nil {
		o.mu.Unlock()
		return
	}

	// Both branches known: this caller, and only this caller, fires fusion.
	js.fusionFired = true
	payload := domain.FusionJobPayload{
		TextScore:        *js.textScore,
		ImageScore:       *js.imageScore,
		MetadataFeatures: js.features,
	}
	o.mu.Unlock()

	encoded, err := json.Marshal(payload)
	if err != nil {
		o.logf("encode fusion payload failed report_id=%s cycle=%d err=%v", reportID, cycle, err)
		return
	}
	if err := o.enqueue(ctx, reportID, domain.LaneFusion, cycle, encoded); err != nil {
		o.logf("fusion enqueue failed, report stays pending report_id=%s cycle=%d err=%v",
			reportID, cycle, err)
	}
}

func (o *Orchestrator) clearJoin(reportID string, cycle int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if js, ok := o.joins[reportID]; ok && js.cycle == cycle {
		delete(o.joins, reportID)
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, reportID string, lane domain.Lane, cycle int64, payload json.RawMessage) error {
	message := domain.QueueMessage{
		JobID:       uuid.NewString(),
		ReportID:    reportID,
		Lane:        lane,
		Cycle:       cycle,
		Payload:     payload,
		Attempt:     0,
		RequestedAt: time.Now().UTC(),
	}
	if err := o.producer.Enqueue(ctx, message); err != nil {
		return fmt.Errorf("enqueue %s job for %s: %w", lane, reportID, err)
	}
	return nil
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
