// Package ml defines the boundary to the optional machine-learning
// scorer. The engine calls it defensively: any error, panic or timeout
// leaves the pipeline on its pattern-weighted fallback, so an absent
// or broken model can never block legitimate traffic.
package ml

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by scorers that have no model to consult.
var ErrUnavailable = errors.New("ml scorer unavailable")

// FeatureVector is the fixed feature set extracted from a request.
type FeatureVector struct {
	PathLength       int     `json:"path_length"`
	PathDepth        int     `json:"path_depth"`
	QueryParamCount  int     `json:"query_param_count"`
	BodyLength       int     `json:"body_length"`
	HeaderCount      int     `json:"header_count"`
	UserAgentLength  int     `json:"user_agent_length"`
	SpecialCharRatio float64 `json:"special_char_ratio"`
	HasSQLKeywords   bool    `json:"has_sql_keywords"`
	HasScriptMarkers bool    `json:"has_script_markers"`
	IsWriteMethod    bool    `json:"is_write_method"`
}

// Prediction is a scorer's assessment of one feature vector.
type Prediction struct {
	// ThreatProbability is the model's 0–1 estimate that the request
	// is hostile.
	ThreatProbability float64 `json:"threat_probability"`

	// AnomalyScore is a 0–100 distance-from-baseline measure.
	AnomalyScore float64 `json:"anomaly_score"`

	// Confidence weights how much the prediction should influence the
	// combined score.
	Confidence float64 `json:"confidence"`

	TopFactors []string `json:"top_factors,omitempty"`
	Reasoning  []string `json:"reasoning,omitempty"`
}

// Scorer produces predictions from feature vectors. Implementations
// must respect ctx cancellation; the engine imposes a deadline.
type Scorer interface {
	Score(ctx context.Context, fv FeatureVector) (*Prediction, error)
}

// NoopScorer is the default Scorer when no model is configured. It
// reports ErrUnavailable, which keeps the engine's fallback path
// explicit and unit-testable.
type NoopScorer struct{}

// Score implements Scorer.
func (NoopScorer) Score(context.Context, FeatureVector) (*Prediction, error) {
	return nil, ErrUnavailable
}

// Combine blends the ML prediction into the already-computed signal
// scores. The prediction's weight scales with its confidence; with a
// zero-confidence prediction the result equals the non-ML fallback
// blend (pattern 0.7, anomaly 0.2, reputation 0.1).
func Combine(pattern, anomaly, rep float64, p *Prediction) float64 {
	base := pattern*0.7 + anomaly*0.2 + rep*0.1
	if p == nil {
		return base
	}
	w := p.Confidence
	if w < 0 {
		w = 0
	}
	if w > 1 {
		w = 1
	}
	mlScore := p.ThreatProbability * 100
	combined := base*(1-0.3*w) + mlScore*0.3*w
	if combined > 100 {
		combined = 100
	}
	return combined
}
