package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
)

func seedReport(t *testing.T, repo *MemoryReportsRepository, reportID string) {
	t.Helper()
	now := time.Now().UTC()
	err := repo.CreateReport(context.Background(), &domain.Report{
		ID:        reportID,
		Text:      "landslide blocking the highway",
		MediaRefs: []string{"https://media.example/ls.jpg"},
		Status:    domain.ReportStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
}

func outcome(reportID string, cycle int64, fusionScore float64) domain.VerificationOutcome {
	text := fusionScore
	return domain.VerificationOutcome{
		ReportID:    reportID,
		Cycle:       cycle,
		FusionScore: fusionScore,
		TextScore:   &text,
		DecidedAt:   time.Now().UTC(),
	}
}

func TestNextVerificationCycleIsMonotonic(t *testing.T) {
	repo := NewMemoryReportsRepository()
	seedReport(t, repo, "r1")

	for want := int64(1); want <= 3; want++ {
		cycle, err := repo.NextVerificationCycle(context.Background(), "r1")
		if err != nil {
			t.Fatalf("next cycle: %v", err)
		}
		if cycle != want {
			t.Fatalf("expected cycle %d, got %d", want, cycle)
		}
	}

	if _, err := repo.NextVerificationCycle(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown report, got %v", err)
	}
}

func TestStaleCycleWriteIsFencedOut(t *testing.T) {
	repo := NewMemoryReportsRepository()
	seedReport(t, repo, "r1")
	ctx := context.Background()

	applied, err := repo.WriteVerification(ctx, outcome("r1", 2, 0.9), domain.ReportStatusPending)
	if err != nil || !applied {
		t.Fatalf("expected cycle-2 write to apply, applied=%v err=%v", applied, err)
	}

	applied, err = repo.WriteVerification(ctx, outcome("r1", 1, 0.1), domain.ReportStatusPending)
	if err != nil {
		t.Fatalf("stale write errored: %v", err)
	}
	if applied {
		t.Fatal("stale cycle must not overwrite a newer decision")
	}

	report, err := repo.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if report.ConfidenceScore != 0.9 || report.DecidedCycle != 2 {
		t.Fatalf("report lost newer decision: confidence=%v decided_cycle=%d", report.ConfidenceScore, report.DecidedCycle)
	}

	// Both outcomes stay on record, newest cycle first.
	outcomes, err := repo.Outcomes(ctx, "r1")
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Cycle != 1 {
		t.Fatalf("expected newest-append-first ordering, got cycle %d first", outcomes[0].Cycle)
	}
}

func TestGetReportReturnsDefensiveCopy(t *testing.T) {
	repo := NewMemoryReportsRepository()
	seedReport(t, repo, "r1")
	ctx := context.Background()

	first, err := repo.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	first.Status = domain.ReportStatusRejected
	first.MediaRefs[0] = "tampered"

	second, err := repo.GetReport(ctx, "r1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if second.Status != domain.ReportStatusPending {
		t.Fatalf("stored status mutated through returned copy: %v", second.Status)
	}
	if second.MediaRefs[0] != "https://media.example/ls.jpg" {
		t.Fatalf("stored media refs mutated through returned copy: %v", second.MediaRefs)
	}
}
