package domain

import (
	"encoding/json"
	"time"
)

// Lane is a named job category in the queue, each with its own worker pool.
type Lane string

const (
	LaneText   Lane = "text"
	LaneImage  Lane = "image"
	LaneFusion Lane = "fusion"
)

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string          `json:"job_id"`
	ReportID    string          `json:"report_id"`
	Lane        Lane            `json:"lane"`
	Cycle       int64           `json:"cycle"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	RequestedAt time.Time       `json:"requested_at"`
}

// TextJobPayload is the text lane input.
type TextJobPayload struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

// ImageJobPayload carries the single media reference scored for a report.
type ImageJobPayload struct {
	ImageURL string `json:"image_url"`
}

// MetadataFeatures are the lightweight features forwarded to fusion.
type MetadataFeatures struct {
	HasImage   int `json:"has_image"`
	TextLength int `json:"text_length"`
}

// FusionJobPayload carries both branch scores plus metadata features.
type FusionJobPayload struct {
	TextScore        float64          `json:"text_score"`
	ImageScore       float64          `json:"image_score"`
	MetadataFeatures MetadataFeatures `json:"metadata_features"`
}

// ScoreResult is the output of one scoring lane, consumed once by the join.
type ScoreResult struct {
	ReportID   string    `json:"report_id"`
	Lane       Lane      `json:"lane"`
	Score      float64   `json:"score"`
	ProducedAt time.Time `json:"produced_at"`
}

// FusionResult is the fusion lane output applied to the report record.
type FusionResult struct {
	ReportID    string  `json:"report_id"`
	FusionScore float64 `json:"fusion_score"`
	IsDuplicate bool    `json:"is_duplicate"`
	IsTampered  bool    `json:"is_tampered"`
}
