package policy

import "github.com/aapda-setu/verification-pipeline/internal/domain"

// Defaults are the neutral scores substituted for a scoring branch that
// is skipped or permanently failed, so the pipeline keeps making forward
// progress. 0.5 neither confirms nor refutes the report.
type Defaults struct {
	TextScore  float64
	ImageScore float64
}

func NewDefaults(textScore, imageScore float64) Defaults {
	if textScore <= 0 || textScore > 1 {
		textScore = 0.5
	}
	if imageScore <= 0 || imageScore > 1 {
		imageScore = 0.5
	}
	return Defaults{TextScore: textScore, ImageScore: imageScore}
}

// StatusPolicy derives the report status written at fusion completion.
// Both thresholds are disabled by default: the report stays pending and
// a responder makes the final call.
type StatusPolicy struct {
	AutoVerifyThreshold float64
	AutoRejectThreshold float64
}

// Derive maps a fusion score to the status the pipeline writes back.
func (p StatusPolicy) Derive(fusionScore float64) domain.ReportStatus {
	if p.AutoVerifyThreshold > 0 && fusionScore >= p.AutoVerifyThreshold {
		return domain.ReportStatusVerified
	}
	if p.AutoRejectThreshold > 0 && fusionScore <= p.AutoRejectThreshold {
		return domain.ReportStatusRejected
	}
	return domain.ReportStatusPending
}
