package behavior

import (
	"github.com/perimeterlabs/sentinel/internal/geo"
	"github.com/perimeterlabs/sentinel/internal/model"
	"github.com/perimeterlabs/sentinel/internal/reputation"
	"go.uber.org/zap"
)

// maxAnomalyScore caps the combined behavioral signal. The dampening
// (half the sum, capped at 30) keeps behavior from ever dominating
// signature matches.
const maxAnomalyScore = 30

// Scorer combines the rate, header and reputation sub-checks into the
// behavioral contribution of a request's score.
type Scorer struct {
	tracker    *Tracker
	reputation *reputation.Cache
	logger     *zap.Logger
}

// NewScorer wires a Scorer from its injected stores.
func NewScorer(tracker *Tracker, rep *reputation.Cache, logger *zap.Logger) *Scorer {
	return &Scorer{tracker: tracker, reputation: rep, logger: logger}
}

// Tracker exposes the underlying rate tracker for lifecycle wiring.
func (s *Scorer) Tracker() *Tracker { return s.tracker }

// Score evaluates the request and returns the dampened anomaly score
// (0–30), the reputation score (0–100) and explainability notes. loc
// is the location already resolved by the geo gate, if any, used only
// to pick a country-specific rate limit.
func (s *Scorer) Score(req *model.Request, pol *model.Policy, loc *geo.Location) (anomaly, rep int, notes []string) {
	limit := DefaultRateLimitPerWindow
	if loc != nil && len(pol.GeoRateLimits) > 0 {
		if override, ok := pol.GeoRateLimits[loc.Country]; ok && override > 0 {
			limit = override
		}
	}

	rateScore, rateNotes := s.tracker.Observe(req.ClientIP, req.Path, limit)
	headerScore, headerNotes := HeaderScore(req.Headers)

	anomaly = (rateScore + headerScore) / 2
	if anomaly > maxAnomalyScore {
		anomaly = maxAnomalyScore
	}

	rep = s.reputation.Score(req.ClientIP)

	notes = append(notes, rateNotes...)
	notes = append(notes, headerNotes...)
	return anomaly, rep, notes
}
