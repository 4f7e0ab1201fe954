package ml

import (
	"context"
	"fmt"

	"github.com/aapda-setu/verification-pipeline/internal/quality"
)

// TextClient talks to the text-scoring backend.
type TextClient struct {
	client *client
}

func NewTextClient(cfg ClientConfig) *TextClient {
	return &TextClient{client: newClient("ml-text", cfg)}
}

type textAnalysisRequest struct {
	Text     string            `json:"text"`
	ReportID string            `json:"report_id"`
	Metadata map[string]string `json:"metadata"`
}

type textAnalysisResponse struct {
	TextScore float64 `json:"text_score"`
}

// Score submits the report text for credibility scoring. The returned
// score is validated against the backend contract, never clamped.
func (c *TextClient) Score(ctx context.Context, reportID, text string, metadata map[string]string) (float64, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}

	var response textAnalysisResponse
	err := c.client.postJSON(ctx, "/analyze/text", textAnalysisRequest{
		Text:     text,
		ReportID: reportID,
		Metadata: metadata,
	}, &response)
	if err != nil {
		return 0, fmt.Errorf("score text for %s: %w", reportID, err)
	}

	if err := quality.ValidateScore("text_score", response.TextScore); err != nil {
		return 0, err
	}
	return response.TextScore, nil
}
