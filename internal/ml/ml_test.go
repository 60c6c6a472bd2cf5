package ml

import (
	"context"
	"math"
	"testing"

	"github.com/perimeterlabs/sentinel/internal/model"
)

func TestExtractFeatures(t *testing.T) {
	req := &model.Request{
		Method: "POST",
		Path:   "/api/v1/login",
		Query:  map[string]string{"next": "/home"},
		Body:   `{"user":"admin' OR '1'='1"}`,
		Headers: map[string]string{
			"host":       "example.com",
			"user-agent": "Mozilla/5.0",
		},
	}

	fv := ExtractFeatures(req)
	if fv.PathLength != len("/api/v1/login") {
		t.Errorf("PathLength: got %d", fv.PathLength)
	}
	if fv.PathDepth != 3 {
		t.Errorf("PathDepth: got %d, want 3", fv.PathDepth)
	}
	if fv.QueryParamCount != 1 {
		t.Errorf("QueryParamCount: got %d, want 1", fv.QueryParamCount)
	}
	if fv.HeaderCount != 2 {
		t.Errorf("HeaderCount: got %d, want 2", fv.HeaderCount)
	}
	if fv.UserAgentLength != len("Mozilla/5.0") {
		t.Errorf("UserAgentLength: got %d", fv.UserAgentLength)
	}
	if !fv.HasSQLKeywords {
		t.Error("expected SQL keyword flag for tautology body")
	}
	if fv.HasScriptMarkers {
		t.Error("did not expect script markers")
	}
	if !fv.IsWriteMethod {
		t.Error("POST is a write method")
	}
	if fv.SpecialCharRatio <= 0 {
		t.Errorf("SpecialCharRatio: got %f, want > 0", fv.SpecialCharRatio)
	}
}

func TestExtractFeatures_ScriptMarkers(t *testing.T) {
	req := &model.Request{
		Method: "GET",
		Path:   "/search",
		Query:  map[string]string{"q": "<script>alert(1)</script>"},
	}
	fv := ExtractFeatures(req)
	if !fv.HasScriptMarkers {
		t.Error("expected script marker flag")
	}
	if fv.IsWriteMethod {
		t.Error("GET is not a write method")
	}
}

func TestNoopScorer(t *testing.T) {
	p, err := NoopScorer{}.Score(context.Background(), FeatureVector{})
	if p != nil || err != ErrUnavailable {
		t.Errorf("NoopScorer: got (%v, %v), want (nil, ErrUnavailable)", p, err)
	}
}

func TestCombine_FallbackBlend(t *testing.T) {
	got := Combine(80, 30, 10, nil)
	want := 80*0.7 + 30*0.2 + 10*0.1
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("fallback blend: got %f, want %f", got, want)
	}
}

func TestCombine_ZeroConfidenceEqualsFallback(t *testing.T) {
	p := &Prediction{ThreatProbability: 0.99, Confidence: 0}
	got := Combine(80, 30, 10, p)
	want := Combine(80, 30, 10, nil)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("zero-confidence prediction must not move the score: got %f, want %f", got, want)
	}
}

func TestCombine_FullConfidence(t *testing.T) {
	p := &Prediction{ThreatProbability: 1, Confidence: 1}
	base := 50*0.7 + 0*0.2 + 0*0.1
	want := base*0.7 + 100*0.3
	got := Combine(50, 0, 0, p)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("full-confidence blend: got %f, want %f", got, want)
	}
}

func TestCombine_CappedAt100(t *testing.T) {
	p := &Prediction{ThreatProbability: 1, Confidence: 1}
	if got := Combine(100, 50, 100, p); got != 100 {
		t.Errorf("combined score: got %f, want cap at 100", got)
	}
}

func TestCombine_ConfidenceClamped(t *testing.T) {
	over := &Prediction{ThreatProbability: 0.5, Confidence: 7}
	unit := &Prediction{ThreatProbability: 0.5, Confidence: 1}
	if got, want := Combine(40, 20, 10, over), Combine(40, 20, 10, unit); math.Abs(got-want) > 1e-9 {
		t.Errorf("confidence above 1 must clamp: got %f, want %f", got, want)
	}
}
