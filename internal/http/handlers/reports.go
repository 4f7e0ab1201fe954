package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/aapda-setu/verification-pipeline/internal/repository"
	"github.com/aapda-setu/verification-pipeline/internal/service"
)

const (
	maxReportTextLength = 10000
	maxMediaRefs        = 10
)

type createReportRequest struct {
	TenantID  string   `json:"tenant_id,omitempty"`
	Text      string   `json:"text"`
	MediaRefs []string `json:"media_refs,omitempty"`
}

// Reports handles POST /v1/reports. Verification fans out asynchronously;
// the response carries the pending record and a URL to poll.
func (api *API) Reports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request createReportRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if err := validateCreateReport(&request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		if len(idempotencyKey) < 16 {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key must be at least 16 characters")
			return
		}
		if entry, exists := api.idempotency.Get(idempotencyKey); exists {
			if entry.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"report_id":  entry.ReportID,
				"status":     domain.ReportStatusPending,
				"status_url": "/v1/reports/" + entry.ReportID,
			})
			return
		}
	}

	report, err := api.reportsService.CreateReport(r.Context(), request.TenantID, request.Text, request.MediaRefs)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyReportText) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "text is required")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to create report")
		return
	}

	if idempotencyKey != "" {
		api.idempotency.Put(idempotencyKey, payloadHash, report.ID)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"report_id":  report.ID,
		"status":     report.Status,
		"status_url": "/v1/reports/" + report.ID,
		"created_at": report.CreatedAt,
	})
}

// ReportByID handles GET /v1/reports/{id} and POST /v1/reports/{id}/verify.
func (api *API) ReportByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/reports/")
	reportID, action, _ := strings.Cut(rest, "/")
	reportID = strings.TrimSpace(reportID)
	if reportID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "report_id is required")
		return
	}

	switch action {
	case "":
		api.getReport(w, r, reportID)
	case "verify":
		api.verifyReport(w, r, reportID)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (api *API) getReport(w http.ResponseWriter, r *http.Request, reportID string) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	view, err := api.reportsService.GetReport(r.Context(), reportID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "report not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load report")
		return
	}

	writeJSON(w, http.StatusOK, reportViewJSON(view))
}

func (api *API) verifyReport(w http.ResponseWriter, r *http.Request, reportID string) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	cycle, err := api.reportsService.Verify(r.Context(), reportID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "report not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to start verification")
		return
	}

	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"report_id":  reportID,
		"cycle":      cycle,
		"status_url": "/v1/reports/" + reportID,
	})
}

func validateCreateReport(request *createReportRequest) error {
	request.Text = strings.TrimSpace(request.Text)
	if request.Text == "" {
		return errors.New("text is required")
	}
	if len(request.Text) > maxReportTextLength {
		return errors.New("text exceeds maximum length")
	}
	if len(request.TenantID) > 64 {
		return errors.New("tenant_id exceeds maximum length")
	}
	if len(request.MediaRefs) > maxMediaRefs {
		return errors.New("too many media refs")
	}
	for _, ref := range request.MediaRefs {
		if strings.TrimSpace(ref) == "" {
			return errors.New("media refs must be non-empty URLs")
		}
	}
	return nil
}

func reportViewJSON(view *service.ReportView) map[string]any {
	report := view.Report
	response := map[string]any{
		"report_id":        report.ID,
		"status":           report.Status,
		"confidence_score": report.ConfidenceScore,
		"media_refs":       report.MediaRefs,
		"phase":            view.Phase,
		"created_at":       report.CreatedAt,
		"updated_at":       report.UpdatedAt,
	}
	if report.TenantID != "" {
		response["tenant_id"] = report.TenantID
	}
	if report.MLResults != nil {
		response["ml_results"] = report.MLResults
	}

	outcomes := make([]map[string]any, 0, len(view.Outcomes))
	for _, outcome := range view.Outcomes {
		outcomes = append(outcomes, map[string]any{
			"cycle":        outcome.Cycle,
			"fusion_score": outcome.FusionScore,
			"text_score":   outcome.TextScore,
			"image_score":  outcome.ImageScore,
			"is_duplicate": outcome.IsDuplicate,
			"is_tampered":  outcome.IsTampered,
			"decided_at":   outcome.DecidedAt,
		})
	}
	response["outcomes"] = outcomes
	return response
}
