package ml

import (
	"context"
	"fmt"

	"github.com/aapda-setu/verification-pipeline/internal/domain"
	"github.com/aapda-setu/verification-pipeline/internal/quality"
)

// FusionWeights configure the deterministic fallback combiner used when
// no fusion backend is configured. The weights are a product decision,
// so they live in configuration rather than as hidden constants.
type FusionWeights struct {
	Text     float64
	Image    float64
	Metadata float64
}

// FusionClient combines both branch scores into a single verdict, via
// the fusion backend when configured or the weighted fallback otherwise.
type FusionClient struct {
	client  *client
	weights FusionWeights
}

func NewFusionClient(cfg ClientConfig, weights FusionWeights) *FusionClient {
	if weights.Text <= 0 && weights.Image <= 0 && weights.Metadata <= 0 {
		weights = FusionWeights{Text: 0.35, Image: 0.45, Metadata: 0.20}
	}
	return &FusionClient{
		client:  newClient("ml-fusion", cfg),
		weights: weights,
	}
}

type fusionRequest struct {
	TextScore        float64                 `json:"text_score"`
	ImageScore       float64                 `json:"image_score"`
	MetadataFeatures domain.MetadataFeatures `json:"metadata_features"`
}

type fusionResponse struct {
	FusionScore float64 `json:"fusion_score"`
	IsDuplicate bool    `json:"is_duplicate"`
	IsTampered  bool    `json:"is_tampered"`
}

// Fuse is a pure function of its inputs from the caller's perspective:
// same scores and features always produce the same verdict.
func (c *FusionClient) Fuse(
	ctx context.Context,
	textScore, imageScore float64,
	features domain.MetadataFeatures,
) (domain.FusionResult, error) {
	if !c.client.available() {
		return c.weightedFallback(textScore, imageScore, features), nil
	}

	var response fusionResponse
	err := c.client.postJSON(ctx, "/analyze/fusion", fusionRequest{
		TextScore:        textScore,
		ImageScore:       imageScore,
		MetadataFeatures: features,
	}, &response)
	if err != nil {
		return domain.FusionResult{}, fmt.Errorf("fuse scores: %w", err)
	}

	if err := quality.ValidateScore("fusion_score", response.FusionScore); err != nil {
		return domain.FusionResult{}, err
	}
	return domain.FusionResult{
		FusionScore: response.FusionScore,
		IsDuplicate: response.IsDuplicate,
		IsTampered:  response.IsTampered,
	}, nil
}

// weightedFallback mirrors the fusion backend's combiner: a weighted
// average of both branch scores plus a normalized metadata score.
func (c *FusionClient) weightedFallback(
	textScore, imageScore float64,
	features domain.MetadataFeatures,
) domain.FusionResult {
	metadataScore := 0.5
	if features.TextLength > 0 || features.HasImage > 0 {
		// has_image is already 0|1; text_length is squashed into [0,1].
		lengthScore := float64(features.TextLength) / 280.0
		if lengthScore > 1 {
			lengthScore = 1
		}
		metadataScore = (float64(features.HasImage) + lengthScore) / 2
	}

	total := c.weights.Text + c.weights.Image + c.weights.Metadata
	score := (textScore*c.weights.Text + imageScore*c.weights.Image + metadataScore*c.weights.Metadata) / total

	return domain.FusionResult{FusionScore: score}
}
