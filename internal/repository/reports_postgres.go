package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresReportsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresReportsRepository(ctx context.Context, databaseURL string) (*PostgresReportsRepository, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresReportsRepository{pool: pool}, nil
}

func (r *PostgresReportsRepository) Close() {
	r.pool.Close()
}

func (r *PostgresReportsRepository) CreateReport(ctx context.Context, report *domain.Report) error {
	mediaRefs, err := json.Marshal(report.MediaRefs)
	if err != nil {
		return fmt.Errorf("encode media refs: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO reports (
			id,
			tenant_id,
			text,
			media_refs,
			status,
			confidence_score,
			verification_cycle,
			decided_cycle,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		report.ID,
		report.TenantID,
		report.Text,
		mediaRefs,
		string(report.Status),
		report.ConfidenceScore,
		report.VerificationCycle,
		report.DecidedCycle,
		report.CreatedAt,
		report.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (r *PostgresReportsRepository) GetReport(ctx context.Context, reportID string) (*domain.Report, error) {
	var (
		report    domain.Report
		status    string
		mediaRefs []byte
		mlResults []byte
	)

	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, text, media_refs, status, confidence_score, ml_results,
		       verification_cycle, decided_cycle, created_at, updated_at
		FROM reports
		WHERE id = $1
	`, reportID).Scan(
		&report.ID,
		&report.TenantID,
		&report.Text,
		&mediaRefs,
		&status,
		&report.ConfidenceScore,
		&mlResults,
		&report.VerificationCycle,
		&report.DecidedCycle,
		&report.CreatedAt,
		&report.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query report: %w", err)
	}

	report.Status = domain.ReportStatus(status)
	if len(mediaRefs) > 0 {
		if err := json.Unmarshal(mediaRefs, &report.MediaRefs); err != nil {
			return nil, fmt.Errorf("decode media refs: %w", err)
		}
	}
	if len(mlResults) > 0 {
		var results domain.MLResults
		if err := json.Unmarshal(mlResults, &results); err != nil {
			return nil, fmt.Errorf("decode ml results: %w", err)
		}
		report.MLResults = &results
	}
	return &report, nil
}

func (r *PostgresReportsRepository) GetMediaRefs(ctx context.Context, reportID string) ([]string, error) {
	var encoded []byte
	err := r.pool.QueryRow(ctx, `SELECT media_refs FROM reports WHERE id = $1`, reportID).Scan(&encoded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query media refs: %w", err)
	}

	var refs []string
	if len(encoded) > 0 {
		if err := json.Unmarshal(encoded, &refs); err != nil {
			return nil, fmt.Errorf("decode media refs: %w", err)
		}
	}
	return refs, nil
}

func (r *PostgresReportsRepository) NextVerificationCycle(ctx context.Context, reportID string) (int64, error) {
	var cycle int64
	err := r.pool.QueryRow(ctx, `
		UPDATE reports
		SET verification_cycle = verification_cycle + 1
		WHERE id = $1
		RETURNING verification_cycle
	`, reportID).Scan(&cycle)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("allocate verification cycle: %w", err)
	}
	return cycle, nil
}

func (r *PostgresReportsRepository) WriteVerification(
	ctx context.Context,
	outcome domain.VerificationOutcome,
	status domain.ReportStatus,
) (bool, error) {
	results, err := json.Marshal(domain.MLResults{
		TextScore:   outcome.TextScore,
		ImageScore:  outcome.ImageScore,
		FusionScore: &outcome.FusionScore,
		IsDuplicate: outcome.IsDuplicate,
		IsTampered:  outcome.IsTampered,
	})
	if err != nil {
		return false, fmt.Errorf("encode ml results: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO verification_outcomes (
			report_id, cycle, fusion_score, text_score, image_score,
			is_duplicate, is_tampered, decided_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		outcome.ReportID,
		outcome.Cycle,
		outcome.FusionScore,
		outcome.TextScore,
		outcome.ImageScore,
		outcome.IsDuplicate,
		outcome.IsTampered,
		outcome.DecidedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert outcome: %w", err)
	}

	// Fenced update: a stale cycle never overwrites a newer decision.
	command, err := tx.Exec(ctx, `
		UPDATE reports
		SET status = $2,
			confidence_score = $3,
			ml_results = $4,
			decided_cycle = $5,
			updated_at = $6
		WHERE id = $1 AND decided_cycle <= $5
	`,
		outcome.ReportID,
		string(status),
		outcome.FusionScore,
		results,
		outcome.Cycle,
		time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("update report verification: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return command.RowsAffected() > 0, nil
}

func (r *PostgresReportsRepository) Outcomes(ctx context.Context, reportID string) ([]domain.VerificationOutcome, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT report_id, cycle, fusion_score, text_score, image_score,
		       is_duplicate, is_tampered, decided_at
		FROM verification_outcomes
		WHERE report_id = $1
		ORDER BY cycle DESC, decided_at DESC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []domain.VerificationOutcome
	for rows.Next() {
		var outcome domain.VerificationOutcome
		err := rows.Scan(
			&outcome.ReportID,
			&outcome.Cycle,
			&outcome.FusionScore,
			&outcome.TextScore,
			&outcome.ImageScore,
			&outcome.IsDuplicate,
			&outcome.IsTampered,
			&outcome.DecidedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}
