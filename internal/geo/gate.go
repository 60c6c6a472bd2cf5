package geo

import (
	"fmt"

	"github.com/perimeterlabs/sentinel/internal/model"
	"go.uber.org/zap"
)

// Gate applies a tenant's country lists and VPN policy to a client IP.
// It is the first and cheapest pipeline stage and may terminate the
// whole evaluation.
//
// Unknown locations fail open: an IP the lookup cannot place is never
// blocked on geographic grounds. This avoids false positives from
// lookup-table gaps and is the documented default.
type Gate struct {
	lookup     Lookup
	configured bool
	logger     *zap.Logger
}

// NewGate creates a Gate. A nil lookup degrades to NopLookup, and the
// gate then skips the failed-lookup warning since no resolution was
// ever attempted.
func NewGate(lookup Lookup, logger *zap.Logger) *Gate {
	g := &Gate{lookup: lookup, configured: lookup != nil, logger: logger}
	if g.lookup == nil {
		g.lookup = NopLookup
	}
	return g
}

// Verdict is the outcome of the gate for one request.
type Verdict struct {
	// Terminal, when non-nil, ends the pipeline with this result.
	Terminal *model.AnalysisResult

	// Details carries monitoring-only notes (VPN in monitor mode,
	// failed lookups) for the explainability trail.
	Details []string

	// Location is the resolved location, if any, so later stages can
	// reuse it without a second lookup.
	Location *Location
}

// Evaluate runs the gate checks in strict priority order: block list,
// allow list, VPN policy.
func (g *Gate) Evaluate(req *model.Request, pol *model.Policy) Verdict {
	loc := g.lookup(req.ClientIP)
	if loc == nil || loc.Country == "" {
		if g.configured {
			g.logger.Warn("could not determine location, failing open",
				zap.String("ip", req.ClientIP),
				zap.String("tenant", req.TenantID),
			)
		}
		if len(pol.BlockedCountries) > 0 || len(pol.AllowedCountries) > 0 || pol.VPNDetection {
			return Verdict{Details: []string{"Could not determine location for " + req.ClientIP}}
		}
		return Verdict{}
	}

	v := Verdict{Location: loc}

	// Block list has strict priority over the allow list: a country on
	// both is blocked.
	if pol.CountryBlocked(loc.Country) {
		v.Terminal = terminal(model.ActionBlock, 100, model.RuleMatch{
			RuleID:   "geo-blocked-country",
			RuleName: "Blocked Country",
			Field:    model.FieldRequest,
			Severity: model.SeverityCritical,
			Category: "Geo-Location",
			Matched:  loc.Country,
		}, fmt.Sprintf("Request from blocked country %s (%s)", loc.Country, loc.CountryName))
		return v
	}

	if !pol.CountryAllowed(loc.Country) {
		v.Terminal = terminal(model.ActionBlock, 100, model.RuleMatch{
			RuleID:   "geo-country-not-allowed",
			RuleName: "Country Not On Allow List",
			Field:    model.FieldRequest,
			Severity: model.SeverityCritical,
			Category: "Geo-Location",
			Matched:  loc.Country,
		}, fmt.Sprintf("Country %s is not on the tenant allow list", loc.Country))
		return v
	}

	if pol.VPNDetection && loc.IsVPN {
		switch pol.VPNAction {
		case model.ActionChallenge:
			v.Terminal = terminal(model.ActionChallenge, 70, model.RuleMatch{
				RuleID:   "geo-vpn-detected",
				RuleName: "VPN Or Cloud Origin",
				Field:    model.FieldRequest,
				Severity: model.SeverityHigh,
				Category: "VPN-Detection",
				Matched:  req.ClientIP,
			}, "VPN or cloud-origin address challenged by policy")
		case model.ActionMonitor:
			v.Details = append(v.Details, "VPN or cloud-origin address observed (monitor only)")
		default: // block is the conservative default for enabled detection
			v.Terminal = terminal(model.ActionBlock, 100, model.RuleMatch{
				RuleID:   "geo-vpn-detected",
				RuleName: "VPN Or Cloud Origin",
				Field:    model.FieldRequest,
				Severity: model.SeverityCritical,
				Category: "VPN-Detection",
				Matched:  req.ClientIP,
			}, "VPN or cloud-origin address blocked by policy")
		}
	}

	return v
}

func terminal(action model.Action, score int, match model.RuleMatch, reason string) *model.AnalysisResult {
	risk := model.SeverityCritical
	if action == model.ActionChallenge {
		risk = model.SeverityHigh
	}
	return &model.AnalysisResult{
		Action:    action,
		Score:     score,
		RiskLevel: risk,
		Matches:   []model.RuleMatch{match},
		Reason:    reason,
		Breakdown: model.ScoreBreakdown{Combined: float64(score)},
		Explain: model.Explainability{
			Summary: reason,
			Details: []string{reason},
		},
	}
}
