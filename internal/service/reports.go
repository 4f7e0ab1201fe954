package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/aapda-setu/verification-pipeline/internal/pipeline"
	"github.com/aapda-setu/verification-pipeline/internal/repository"
)

// ReportsService owns report intake and exposes verification state to the
// HTTP surface. Scoring itself runs asynchronously: submission failure
// leaves the report pending rather than failing the create.
type ReportsService struct {
	repo         repository.ReportsRepository
	orchestrator *pipeline.Orchestrator
	logger       *log.Logger
}

func NewReportsService(
	repo repository.ReportsRepository,
	orchestrator *pipeline.Orchestrator,
	logger *log.Logger,
) *ReportsService {
	return &ReportsService{repo: repo, orchestrator: orchestrator, logger: logger}
}

// ReportView is the read model returned to API clients.
type ReportView struct {
	Report   *domain.Report               `json:"report"`
	Outcomes []domain.VerificationOutcome `json:"outcomes"`
	Phase    pipeline.CyclePhase          `json:"phase"`
}

func (s *ReportsService) CreateReport(
	ctx context.Context,
	tenantID string,
	text string,
	mediaRefs []string,
) (*domain.Report, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.ErrEmptyReportText
	}

	now := time.Now().UTC()
	report := &domain.Report{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Text:            text,
		MediaRefs:       mediaRefs,
		Status:          domain.ReportStatusPending,
		ConfidenceScore: 0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}

	// Fan-out failure is deliberate best-effort: the report record holds
	// pending state and can be re-verified later.
	if _, err := s.orchestrator.Submit(ctx, report.ID, report.Text, report.MediaRefs); err != nil {
		s.logger.Printf(
			"report %s created but verification fan-out failed, left pending: %v",
			report.ID, err,
		)
	}

	return report, nil
}

func (s *ReportsService) GetReport(ctx context.Context, reportID string) (*ReportView, error) {
	report, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	outcomes, err := s.repo.Outcomes(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("load outcomes for %s: %w", reportID, err)
	}
	return &ReportView{
		Report:   report,
		Outcomes: outcomes,
		Phase:    s.orchestrator.Phase(reportID),
	}, nil
}

// Verify starts a fresh verification cycle for an existing report. The new
// cycle supersedes any in-flight one; stale results from the old cycle are
// fenced out at write-back.
func (s *ReportsService) Verify(ctx context.Context, reportID string) (int64, error) {
	report, err := s.repo.GetReport(ctx, reportID)
	if err != nil {
		return 0, err
	}

	cycle, err := s.orchestrator.Submit(ctx, report.ID, report.Text, report.MediaRefs)
	if err != nil {
		return 0, fmt.Errorf("start verification cycle for %s: %w", reportID, err)
	}
	return cycle, nil
}
