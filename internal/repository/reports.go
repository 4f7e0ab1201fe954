package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// ReportsRepository abstracts the report store. The pipeline reads media
// refs at submission and writes verification results at fusion
// completion; those are the only fields it touches.
type ReportsRepository interface {
	CreateReport(ctx context.Context, report *domain.Report) error
	GetReport(ctx context.Context, reportID string) (*domain.Report, error)
	GetMediaRefs(ctx context.Context, reportID string) ([]string, error)

	// NextVerificationCycle allocates the fencing token for a new
	// verification cycle of the report.
	NextVerificationCycle(ctx context.Context, reportID string) (int64, error)

	// WriteVerification appends the outcome and applies it to the report
	// with last-cycle-wins semantics. The returned bool reports whether
	// the report record was updated (false for a superseded stale cycle).
	WriteVerification(
		ctx context.Context,
		outcome domain.VerificationOutcome,
		status domain.ReportStatus,
	) (bool, error)

	// Outcomes returns all persisted outcomes for a report, newest first.
	Outcomes(ctx context.Context, reportID string) ([]domain.VerificationOutcome, error)
}

// MemoryReportsRepository stores reports in memory for local development
// and tests.
type MemoryReportsRepository struct {
	mu       sync.RWMutex
	reports  map[string]*domain.Report
	outcomes map[string][]domain.VerificationOutcome
}

func NewMemoryReportsRepository() *MemoryReportsRepository {
	return &MemoryReportsRepository{
		reports:  make(map[string]*domain.Report),
		outcomes: make(map[string][]domain.VerificationOutcome),
	}
}

func (r *MemoryReportsRepository) CreateReport(_ context.Context, report *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reports[report.ID] = cloneReport(report)
	return nil
}

func (r *MemoryReportsRepository) GetReport(_ context.Context, reportID string) (*domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, ok := r.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReport(report), nil
}

func (r *MemoryReportsRepository) GetMediaRefs(_ context.Context, reportID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, ok := r.reports[reportID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), report.MediaRefs...), nil
}

func (r *MemoryReportsRepository) NextVerificationCycle(_ context.Context, reportID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, ok := r.reports[reportID]
	if !ok {
		return 0, ErrNotFound
	}
	report.VerificationCycle++
	return report.VerificationCycle, nil
}

func (r *MemoryReportsRepository) WriteVerification(
	_ context.Context,
	outcome domain.VerificationOutcome,
	status domain.ReportStatus,
) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, ok := r.reports[outcome.ReportID]
	if !ok {
		return false, ErrNotFound
	}

	r.outcomes[outcome.ReportID] = append(r.outcomes[outcome.ReportID], outcome)

	// Last-cycle-wins: a stale cycle never overwrites a newer decision.
	if outcome.Cycle < report.DecidedCycle {
		return false, nil
	}

	report.Status = status
	report.ConfidenceScore = outcome.FusionScore
	report.DecidedCycle = outcome.Cycle
	report.MLResults = &domain.MLResults{
		TextScore:   outcome.TextScore,
		ImageScore:  outcome.ImageScore,
		FusionScore: &outcome.FusionScore,
		IsDuplicate: outcome.IsDuplicate,
		IsTampered:  outcome.IsTampered,
	}
	report.UpdatedAt = outcome.DecidedAt
	return true, nil
}

func (r *MemoryReportsRepository) Outcomes(_ context.Context, reportID string) ([]domain.VerificationOutcome, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.outcomes[reportID]
	outcomes := make([]domain.VerificationOutcome, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		outcomes = append(outcomes, stored[i])
	}
	return outcomes, nil
}

func cloneReport(report *domain.Report) *domain.Report {
	if report == nil {
		return nil
	}
	clone := *report
	clone.MediaRefs = append([]string(nil), report.MediaRefs...)
	if report.MLResults != nil {
		results := *report.MLResults
		clone.MLResults = &results
	}
	return &clone
}
