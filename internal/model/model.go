// Package model defines the shared types of the inspection pipeline:
// the normalized request descriptor handed in by the edge layer, the
// tenant policy it is evaluated against, signature rules and their
// matches, and the AnalysisResult every evaluation produces.
package model

import (
	"fmt"
	"strings"
)

// Action is the verdict attached to a request after analysis.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionMonitor   Action = "monitor"
	ActionChallenge Action = "challenge"
	ActionBlock     Action = "block"

	// ActionThrottle is produced only by the DDoS subsystem; the edge
	// layer translates it to a delayed 429.
	ActionThrottle Action = "throttle"
)

// Severity grades a rule or a detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Score is the score contribution a custom rule of this severity adds
// when it fires. Built-in rules carry explicit scores instead.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 90
	case SeverityHigh:
		return 75
	case SeverityMedium:
		return 50
	default:
		return 25
	}
}

// EnforcementMode controls whether verdicts are enforced or only recorded.
type EnforcementMode string

const (
	ModeMonitor EnforcementMode = "monitor"
	ModeBlock   EnforcementMode = "block"
)

// Field names a searchable region of a request.
type Field string

const (
	FieldPath    Field = "path"
	FieldQuery   Field = "query"
	FieldBody    Field = "body"
	FieldHeaders Field = "headers"

	// FieldRequest is the concatenation of path, query and body, for
	// rules that should fire regardless of where the payload travels.
	FieldRequest Field = "request"
)

// Request is the normalized descriptor of one inbound HTTP request.
// It is created per call, owned by the caller, and never retained by
// the engine beyond the call.
type Request struct {
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Headers  map[string]string `json:"headers"` // keys lower-cased
	Body     string            `json:"body"`
	Query    map[string]string `json:"query"`
	ClientIP string            `json:"client_ip"`
	TenantID string            `json:"tenant_id"`
	Mode     EnforcementMode   `json:"enforcement_mode"`
	Policy   *Policy           `json:"-"`
}

// Header returns a header value by case-insensitive name.
func (r *Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[strings.ToLower(name)]
}

// QueryString renders the query map as a canonical k=v&k=v string.
func (r *Request) QueryString() string {
	if len(r.Query) == 0 {
		return ""
	}
	parts := make([]string, 0, len(r.Query))
	for k, v := range r.Query {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&")
}

// Thresholds is the three-way score ladder of a tenant policy.
// Invariant: Block ≥ Challenge ≥ Monitor, all within 0–100.
type Thresholds struct {
	Block     int `json:"block"`
	Challenge int `json:"challenge"`
	Monitor   int `json:"monitor"`
}

// Policy is a tenant's inspection policy. It is read-only to the
// engine for the duration of a request.
type Policy struct {
	Thresholds       Thresholds      `json:"thresholds"`
	AllowedCountries []string        `json:"allowed_countries,omitempty"`
	BlockedCountries []string        `json:"blocked_countries,omitempty"`
	GeoRateLimits    map[string]int  `json:"geo_rate_limits,omitempty"`
	VPNDetection     bool            `json:"vpn_detection"`
	VPNAction        Action          `json:"vpn_action,omitempty"`
	Mode             EnforcementMode `json:"enforcement_mode"`
}

// DefaultPolicy returns the policy applied to tenants with no stored
// configuration: block mode with the standard 70/50/30 ladder and no
// geo restrictions.
func DefaultPolicy() *Policy {
	return &Policy{
		Thresholds: Thresholds{Block: 70, Challenge: 50, Monitor: 30},
		Mode:       ModeBlock,
	}
}

// Validate checks threshold ordering and enum fields. Policies are
// validated when written to the store, never on the request path.
func (p *Policy) Validate() error {
	t := p.Thresholds
	if t.Monitor < 0 || t.Block > 100 {
		return fmt.Errorf("thresholds must lie within 0–100, got %+v", t)
	}
	if t.Block < t.Challenge || t.Challenge < t.Monitor {
		return fmt.Errorf("thresholds must satisfy block ≥ challenge ≥ monitor, got %+v", t)
	}
	switch p.Mode {
	case ModeMonitor, ModeBlock, "":
	default:
		return fmt.Errorf("invalid enforcement mode %q", p.Mode)
	}
	switch p.VPNAction {
	case ActionMonitor, ActionChallenge, ActionBlock, "":
	default:
		return fmt.Errorf("invalid vpn action %q", p.VPNAction)
	}
	return nil
}

// CountryBlocked reports whether code is on the policy's block list.
func (p *Policy) CountryBlocked(code string) bool {
	return containsFold(p.BlockedCountries, code)
}

// CountryAllowed reports whether code passes the allow list. An empty
// allow list admits every country.
func (p *Policy) CountryAllowed(code string) bool {
	if len(p.AllowedCountries) == 0 {
		return true
	}
	return containsFold(p.AllowedCountries, code)
}

func containsFold(list []string, code string) bool {
	for _, c := range list {
		if strings.EqualFold(c, code) {
			return true
		}
	}
	return false
}

// Rule is a signature rule. Built-in rules form an immutable catalog;
// custom rules are tenant- or global-scoped and may shadow a built-in
// by sharing its ID (the shadow's Enabled flag then decides whether
// the built-in is evaluated).
type Rule struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Pattern        string   `json:"pattern"`
	Field          Field    `json:"field"`
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	Score          int      `json:"score"`
	Enabled        bool     `json:"enabled"`
	TenantID       string   `json:"tenant_id,omitempty"` // empty = global
	Recommendation string   `json:"recommendation,omitempty"`
}

// RuleMatch records one rule firing against one request. Matches are
// produced fresh per request and never persisted by the core.
type RuleMatch struct {
	RuleID         string   `json:"rule_id"`
	RuleName       string   `json:"rule_name"`
	Field          Field    `json:"field"`
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	Matched        string   `json:"matched"` // bounded context window, ≤100 chars
	Recommendation string   `json:"recommendation,omitempty"`
}

// ScoreBreakdown itemises the signals behind a combined score.
type ScoreBreakdown struct {
	Pattern    float64 `json:"pattern_score"`
	Anomaly    float64 `json:"anomaly_score"`
	Reputation float64 `json:"reputation_score"`
	ML         float64 `json:"ml_score"`
	Combined   float64 `json:"combined_score"`
}

// DDoSDetection is the volumetric verdict attached to a result when
// the DDoS detector reported anything above baseline.
type DDoSDetection struct {
	Detected   bool     `json:"detected"`
	Severity   Severity `json:"severity"`
	AttackType string   `json:"attack_type"`
	Action     Action   `json:"action"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
}

// MLAnalysis is present only when the ML scorer produced a prediction.
type MLAnalysis struct {
	ThreatProbability float64  `json:"threat_probability"`
	AnomalyScore      float64  `json:"anomaly_score"`
	Confidence        float64  `json:"confidence"`
	TopFactors        []string `json:"top_factors,omitempty"`
	Reasoning         []string `json:"reasoning,omitempty"`
}

// Explainability carries the human-readable decision trail.
type Explainability struct {
	Summary         string   `json:"summary"`
	Details         []string `json:"details"`
	Recommendations []string `json:"recommendations"`
}

// AnalysisResult is the engine's verdict for one request.
//
// Except for the geo/VPN/DDoS short-circuits (which set Score
// directly), Action is a pure function of Score and the enforcement
// mode given the policy thresholds.
type AnalysisResult struct {
	ID        string          `json:"id"`
	Action    Action          `json:"action"`
	Score     int             `json:"score"` // 0–100, rounded
	RiskLevel Severity        `json:"risk_level"`
	Matches   []RuleMatch     `json:"matches"`
	Reason    string          `json:"reason"`
	Breakdown ScoreBreakdown  `json:"breakdown"`
	DDoS      *DDoSDetection  `json:"ddos_detection,omitempty"`
	ML        *MLAnalysis     `json:"ml_analysis,omitempty"`
	Explain   Explainability  `json:"explainability"`
}
