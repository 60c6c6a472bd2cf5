package ddos

import "github.com/perimeterlabs/sentinel/internal/model"

// Verdict is the detector's assessment of one request.
type Verdict struct {
	Detected   bool           `json:"detected"`
	Severity   model.Severity `json:"severity"`
	Action     model.Action   `json:"action"`
	AttackType string         `json:"attack_type"`
	Reason     string         `json:"reason"`

	// Score is the 0–1 volumetric score where applicable.
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// ResponseFor is the single authoritative severity→action mapping of
// the DDoS subsystem. With graduated response enabled the action
// escalates with severity; disabled, everything short of critical is
// throttled.
func ResponseFor(sev model.Severity, graduated bool) model.Action {
	if !graduated {
		if sev == model.SeverityCritical {
			return model.ActionBlock
		}
		return model.ActionThrottle
	}
	switch sev {
	case model.SeverityCritical:
		return model.ActionBlock
	case model.SeverityHigh:
		return model.ActionChallenge
	case model.SeverityMedium:
		return model.ActionThrottle
	default:
		return model.ActionAllow
	}
}

// severityForScore bands a volumetric score into a severity.
func severityForScore(score float64) model.Severity {
	switch {
	case score > 0.9:
		return model.SeverityCritical
	case score > 0.8:
		return model.SeverityHigh
	case score > 0.7:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}
