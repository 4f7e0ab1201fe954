package domain

import (
	"errors"
	"time"
)

var ErrEmptyReportText = errors.New("report text is required")

type ReportStatus string

const (
	ReportStatusPending       ReportStatus = "pending"
	ReportStatusVerified      ReportStatus = "verified"
	ReportStatusRejected      ReportStatus = "rejected"
	ReportStatusFalsePositive ReportStatus = "false_positive"
)

// MLResults mirrors the verification outcome fields persisted on a report.
type MLResults struct {
	TextScore   *float64 `json:"text_score,omitempty"`
	ImageScore  *float64 `json:"image_score,omitempty"`
	FusionScore *float64 `json:"fusion_score,omitempty"`
	IsDuplicate bool     `json:"is_duplicate"`
	IsTampered  bool     `json:"is_tampered"`
}

// Report is the subset of the report record the verification pipeline
// reads and writes. Media refs are read at submission; status, confidence
// and ml_results are written at fusion completion only.
type Report struct {
	ID                string
	TenantID          string
	Text              string
	MediaRefs         []string
	Status            ReportStatus
	ConfidenceScore   float64
	MLResults         *MLResults
	VerificationCycle int64
	DecidedCycle      int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// VerificationOutcome is one fusion decision for one verification cycle.
// A later cycle supersedes an earlier one, it never merges with it.
type VerificationOutcome struct {
	ReportID    string
	Cycle       int64
	FusionScore float64
	TextScore   *float64
	ImageScore  *float64
	IsDuplicate bool
	IsTampered  bool
	DecidedAt   time.Time
}
