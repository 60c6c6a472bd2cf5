// Package engine orchestrates the request-inspection pipeline: geo
// gate, DDoS detection, signature matching, behavioral scoring and
// optional ML blending, ending in a thresholded, mode-gated verdict.
//
// Analyze never fails: any internal fault degrades to an explicit
// allow verdict with an explainability note. Fail-open is the only
// acceptable silent failure mode on the request hot path — an internal
// bug must never outage a tenant's site.
package engine

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/perimeterlabs/sentinel/internal/behavior"
	"github.com/perimeterlabs/sentinel/internal/ddos"
	"github.com/perimeterlabs/sentinel/internal/geo"
	"github.com/perimeterlabs/sentinel/internal/ml"
	"github.com/perimeterlabs/sentinel/internal/model"
	"github.com/perimeterlabs/sentinel/internal/reputation"
	"github.com/perimeterlabs/sentinel/internal/rules"
	"go.uber.org/zap"
)

// defaultMLTimeout bounds the ML scorer call so a hung model cannot
// stall the hot path.
const defaultMLTimeout = 50 * time.Millisecond

// Engine is the request analysis engine. All collaborators are
// injected once at construction and shared across requests.
type Engine struct {
	gate       *geo.Gate
	detector   *ddos.Detector
	matcher    *rules.Matcher
	behavior   *behavior.Scorer
	reputation *reputation.Cache
	scorer     ml.Scorer
	mlTimeout  time.Duration
	logger     *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMLScorer installs an ML scorer. The default is ml.NoopScorer,
// which keeps the pipeline on its pattern-weighted fallback.
func WithMLScorer(s ml.Scorer) Option {
	return func(e *Engine) { e.scorer = s }
}

// WithMLTimeout overrides the ML call deadline.
func WithMLTimeout(d time.Duration) Option {
	return func(e *Engine) { e.mlTimeout = d }
}

// New wires an Engine from its collaborators.
func New(gate *geo.Gate, detector *ddos.Detector, matcher *rules.Matcher, beh *behavior.Scorer, rep *reputation.Cache, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		gate:       gate,
		detector:   detector,
		matcher:    matcher,
		behavior:   beh,
		reputation: rep,
		scorer:     ml.NoopScorer{},
		mlTimeout:  defaultMLTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Analyze evaluates one request and always returns a result.
func (e *Engine) Analyze(ctx context.Context, req *model.Request) (res *model.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("analysis panicked, failing open",
				zap.Any("panic", r),
				zap.String("tenant", req.TenantID),
			)
			res = failOpen(req)
		}
	}()

	pol := req.Policy
	if pol == nil {
		pol = model.DefaultPolicy()
	}
	mode := req.Mode
	if mode == "" {
		mode = pol.Mode
	}
	if mode == "" {
		mode = model.ModeBlock
	}

	var details []string

	// Stage 1: geo/VPN gate. Cheapest, highest priority, terminal
	// verdicts bypass scoring entirely.
	gv := e.gate.Evaluate(req, pol)
	if gv.Terminal != nil {
		gv.Terminal.ID = uuid.NewString()
		return gv.Terminal
	}
	details = append(details, gv.Details...)

	// Stage 2: DDoS detection. High or critical severity is a
	// network-layer decision: it short-circuits the rest of the
	// pipeline and is never downgraded by monitor mode.
	dv := e.detector.Analyze(req)
	if dv.Detected && (dv.Severity == model.SeverityHigh || dv.Severity == model.SeverityCritical) {
		return ddosResult(dv)
	}
	if dv.Detected {
		details = append(details, "ddos: "+dv.Reason)
	}

	// Stage 3: signature matching.
	patternScore, matches := e.matcher.Match(req)

	// Stage 4: behavioral signals and optional ML blend.
	anomalyScore, repScore, notes := e.behavior.Score(req, pol, gv.Location)
	details = append(details, notes...)

	prediction := e.predict(ctx, req)
	combined := ml.Combine(float64(patternScore), float64(anomalyScore), float64(repScore), prediction)
	score := int(math.Round(math.Min(combined, 100)))

	// Stage 5: threshold ladder and enforcement gating.
	candidate, risk := ladder(score, pol.Thresholds)
	action := candidate
	if mode == model.ModeMonitor && candidate != model.ActionAllow {
		details = append(details, "enforcement mode monitor: "+string(candidate)+" downgraded to allow")
		action = model.ActionAllow
	}

	if mode == model.ModeBlock {
		switch {
		case action == model.ActionBlock:
			e.reputation.RecordBlocked(req.ClientIP)
		case action == model.ActionAllow && len(matches) == 0 && anomalyScore == 0:
			e.reputation.RecordAllowed(req.ClientIP)
		}
	}

	res = &model.AnalysisResult{
		ID:        uuid.NewString(),
		Action:    action,
		Score:     score,
		RiskLevel: risk,
		Matches:   matches,
		Reason:    reasonFor(action, matches),
		Breakdown: model.ScoreBreakdown{
			Pattern:    float64(patternScore),
			Anomaly:    float64(anomalyScore),
			Reputation: float64(repScore),
			Combined:   combined,
		},
		Explain: explain(matches, details),
	}
	if dv.Detected {
		res.DDoS = detectionBlock(dv)
	}
	if prediction != nil {
		res.Breakdown.ML = prediction.ThreatProbability * 100
		res.ML = &model.MLAnalysis{
			ThreatProbability: prediction.ThreatProbability,
			AnomalyScore:      prediction.AnomalyScore,
			Confidence:        prediction.Confidence,
			TopFactors:        prediction.TopFactors,
			Reasoning:         prediction.Reasoning,
		}
	}
	return res
}

// predict calls the ML scorer with a deadline and full failure
// isolation. Any error, timeout or panic yields nil, which keeps the
// pipeline on the fallback blend.
func (e *Engine) predict(ctx context.Context, req *model.Request) (p *ml.Prediction) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("ml scorer panicked, falling back to pattern scoring", zap.Any("panic", r))
			p = nil
		}
	}()

	mlCtx, cancel := context.WithTimeout(ctx, e.mlTimeout)
	defer cancel()

	pred, err := e.scorer.Score(mlCtx, ml.ExtractFeatures(req))
	if err != nil {
		if err != ml.ErrUnavailable {
			e.logger.Warn("ml scorer failed, falling back to pattern scoring", zap.Error(err))
		}
		return nil
	}
	return pred
}

// ladder applies the inclusive three-way threshold ladder and derives
// the risk level from the band reached.
func ladder(score int, t model.Thresholds) (model.Action, model.Severity) {
	switch {
	case score >= t.Block:
		return model.ActionBlock, model.SeverityCritical
	case score >= t.Challenge:
		return model.ActionChallenge, model.SeverityHigh
	case score >= t.Monitor:
		return model.ActionMonitor, model.SeverityMedium
	default:
		return model.ActionAllow, model.SeverityLow
	}
}

// ddosResult converts a high/critical DDoS verdict into the terminal
// result: score 85 for high, 100 for critical.
func ddosResult(dv ddos.Verdict) *model.AnalysisResult {
	score := 85
	if dv.Severity == model.SeverityCritical {
		score = 100
	}
	return &model.AnalysisResult{
		ID:        uuid.NewString(),
		Action:    dv.Action,
		Score:     score,
		RiskLevel: dv.Severity,
		Matches:   []model.RuleMatch{},
		Reason:    dv.Reason,
		Breakdown: model.ScoreBreakdown{Combined: float64(score)},
		DDoS:      detectionBlock(dv),
		Explain: model.Explainability{
			Summary: "DDoS mitigation engaged: " + dv.Reason,
			Details: []string{"ddos: " + dv.Reason},
		},
	}
}

func detectionBlock(dv ddos.Verdict) *model.DDoSDetection {
	return &model.DDoSDetection{
		Detected:   dv.Detected,
		Severity:   dv.Severity,
		AttackType: dv.AttackType,
		Action:     dv.Action,
		Score:      dv.Score,
		Confidence: dv.Confidence,
		Reason:     dv.Reason,
	}
}

// failOpen is the verdict for an internal fault: explicit allow with
// full explainability, never a block.
func failOpen(req *model.Request) *model.AnalysisResult {
	return &model.AnalysisResult{
		ID:        uuid.NewString(),
		Action:    model.ActionAllow,
		Score:     0,
		RiskLevel: model.SeverityLow,
		Matches:   []model.RuleMatch{},
		Reason:    "internal analysis fault; failing open",
		Explain: model.Explainability{
			Summary: "internal analysis fault; request allowed without inspection",
			Details: []string{"analysis aborted for tenant " + req.TenantID},
		},
	}
}
